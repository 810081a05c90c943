package storage

// This file exists solely to pin transitive dependencies the pgx driver needs
// at connect time. Keeping these blank imports ensures the go tool recognises
// the dependencies when tidying modules in this repository.
import (
	_ "github.com/jackc/pgpassfile"
	_ "github.com/jackc/pgservicefile"
	_ "golang.org/x/text/transform"
)
