// Package main runs a demo WebSocket client for route events.
//
// It creates a route for a demo driver (ending any previous one), subscribes
// to its event socket, completes the first stop and prints what arrives.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type routeResp struct {
	ID    string `json:"id"`
	Stops []struct {
		OrderRef string `json:"orderRef"`
	} `json:"stops"`
}

func post(base, path string, body []byte, out any) (int, error) {
	resp, err := http.Post(base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	driver := "demo-driver"

	// End a leftover shift so the create below does not conflict.
	if resp, err := http.Get(base + "/v1/drivers/" + driver + "/route"); err == nil {
		var cur routeResp
		if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&cur) == nil {
			_, _ = post(base, "/v1/routes/"+cur.ID+"/end", nil, nil)
		}
		_ = resp.Body.Close()
	}

	body := []byte(`{"driverId":"` + driver + `","origin":{"lat":52.52,"lng":13.405},"orders":[
		{"orderRef":"demo-1","location":{"lat":52.53,"lng":13.41}},
		{"orderRef":"demo-2","location":{"lat":52.51,"lng":13.39},"priority":"urgent"}]}`)
	var rt routeResp
	status, err := post(base, "/v1/routes", body, &rt)
	if err != nil {
		log.Fatal(err)
	}
	if status != http.StatusCreated || len(rt.Stops) == 0 {
		log.Fatalf("create route: status %d", status)
	}
	log.Printf("Route ID: %s", rt.ID)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/routes/" + rt.ID + "/events/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var evt struct {
				Type     string `json:"type"`
				OrderRef string `json:"orderRef"`
				Version  int    `json:"version"`
			}
			if err := c.ReadJSON(&evt); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s order=%s version=%d", evt.Type, evt.OrderRef, evt.Version)
		}
	}()

	first := rt.Stops[0].OrderRef
	if _, err := post(base, "/v1/routes/"+rt.ID+"/stops/"+first+"/complete", []byte(`{}`), nil); err != nil {
		log.Printf("complete %s: %v", first, err)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
