package sqlstore

import "strconv"

// SQLite binds with '?' and keeps payloads as TEXT.
var SQLite = Dialect{
	Name:        "sqlite",
	PayloadType: "TEXT",
	Placeholder: func(int) string { return "?" },
}

// Postgres binds with '$n' and keeps payloads as JSONB.
var Postgres = Dialect{
	Name:        "postgres",
	PayloadType: "JSONB",
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}
