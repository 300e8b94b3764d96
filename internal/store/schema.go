package store

var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS routes (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		origin_lat REAL,
		origin_lng REAL,
		origin_visits INTEGER NOT NULL DEFAULT 0,
		stops TEXT NOT NULL,
		total_distance_km REAL NOT NULL DEFAULT 0,
		total_time_min REAL NOT NULL DEFAULT 0,
		completed_distance_km REAL NOT NULL DEFAULT 0,
		completed_time_min REAL NOT NULL DEFAULT 0,
		history_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS routes_one_active_per_driver ON routes(driver_id) WHERE ended_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS routes_driver_created ON routes(driver_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS route_history (
		id TEXT PRIMARY KEY,
		route_id TEXT NOT NULL REFERENCES routes(id),
		seq INTEGER NOT NULL,
		ts TIMESTAMP NOT NULL,
		action TEXT NOT NULL,
		description TEXT NOT NULL,
		stop_count INTEGER NOT NULL,
		total_distance_km REAL NOT NULL,
		total_time_min REAL NOT NULL,
		UNIQUE(route_id, seq)
	)`,
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS routes (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		origin_lat DOUBLE PRECISION,
		origin_lng DOUBLE PRECISION,
		origin_visits INTEGER NOT NULL DEFAULT 0,
		stops JSONB NOT NULL,
		total_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_time_min DOUBLE PRECISION NOT NULL DEFAULT 0,
		completed_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		completed_time_min DOUBLE PRECISION NOT NULL DEFAULT 0,
		history_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS routes_one_active_per_driver ON routes(driver_id) WHERE ended_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS routes_driver_created ON routes(driver_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS route_history (
		id TEXT PRIMARY KEY,
		route_id TEXT NOT NULL REFERENCES routes(id),
		seq INTEGER NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		action TEXT NOT NULL,
		description TEXT NOT NULL,
		stop_count INTEGER NOT NULL,
		total_distance_km DOUBLE PRECISION NOT NULL,
		total_time_min DOUBLE PRECISION NOT NULL,
		UNIQUE(route_id, seq)
	)`,
}
