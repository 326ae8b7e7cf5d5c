package drivelog

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (started_at,
                      endpoint)
VALUES (?, ?)`

	selectSessionsSQL = `
SELECT
    id,
    started_at,
    endpoint
FROM sessions
ORDER BY started_at`

	insertSampleSQL = `
    INSERT INTO samples (
        session_id,
        timestamp,
        roll_deg,
        pitch_deg,
        yaw_deg,
        ground_speed,
        heading,
        voltage,
        current,
        remaining_pct,
        latitude,
        longitude
    )
    VALUES `

	selectSamplesSQL = `
SELECT
    timestamp,
    roll_deg,
    pitch_deg,
    yaw_deg,
    ground_speed,
    heading,
    voltage,
    current,
    remaining_pct,
    latitude,
    longitude
FROM samples
WHERE
    session_id = ?
    AND timestamp >= ?
    AND timestamp <= ?
ORDER BY timestamp`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_samples_session_time ON samples (session_id, timestamp)`
)

//go:embed schema.sql
var initSchemaSQL string
