package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/asdine/storm/v3"
	"github.com/muesli/coral"
	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/model"
	"github.com/oncelink/oncelink/pkg/stormsql"
	"github.com/oncelink/oncelink/pkg/structs"
	"github.com/pkg/errors"
)

// go run tools/console/main.go oncelink.db " SELECT count(*) FROM access_tokens WHERE SubjectID = 'f2a98ab0-2c40-42b4-be08-da3b771be935' AND RedeemedAt IS NULL;  "

func main() {
	c := &coral.Command{
		Use:   "console",
		Short: "SQL console for oncelink database",
		Args:  coral.ExactArgs(2),
		RunE: func(_ *coral.Command, args []string) error {
			//
			//
			sc, err := stormsql.ParseSelect(args[1])
			if err != nil {
				return err
			}

			//
			//
			fmt.Println("Opening", args[0])
			db, err := storm.Open(args[0], database.StormCodec)
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer db.Close()

			//
			// Prepare request
			//

			query := db.Select(sc.Matcher)
			if sc.Skip > 0 {
				query.Skip(sc.Skip)
			}
			if sc.Limit > 0 {
				query.Limit(sc.Limit)
			}
			if len(sc.OrderBy) > 0 {
				query.OrderBy(sc.OrderBy...)
				if sc.OrderByReversed {
					query.Reverse()
				}
			}

			// Execute

			if sc.Count {
				return count(sc, query)
			}

			return list(sc, query)
		},
	}

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func count(sc *stormsql.SelectClause, query storm.Query) error {
	var records any
	switch sc.Tablename {
	case "subjects":
		records = &model.Subject{}
	case "access_tokens":
		records = &model.AccessToken{}
	default:
		return errors.Errorf("unknown tablename: %s", sc.Tablename)
	}

	n, err := query.Count(records)

	if err != nil {
		return errors.Wrap(err, "could not perform query")
	}

	fmt.Println("Count:", n)

	return nil
}

func list(sc *stormsql.SelectClause, query storm.Query) error {
	switch sc.Tablename {
	case "subjects":
		records := []*model.Subject{}
		if err := find(query, &records); err != nil {
			return err
		}
		jsondump(project(sc.SelectedFields, records))
	case "access_tokens":
		records := []*model.AccessToken{}
		if err := find(query, &records); err != nil {
			return err
		}
		jsondump(project(sc.SelectedFields, records))
	default:
		return errors.Errorf("unknown tablename: %s", sc.Tablename)
	}

	return nil
}

func find(query storm.Query, records any) error {
	err := query.Find(records)
	if err == storm.ErrNotFound {
		return nil
	}
	return errors.Wrap(err, "could not perform query")
}

// project renders each record as a field/value map. The console dumps every
// selected field, including the ones JSON serialization redacts for API
// responses.
func project[T any](fields []string, records []T) []map[string]any {
	if len(fields) == 0 {
		fields = []string{"ID", "CreatedAt", "UpdatedAt"}
		switch any(records).(type) {
		case []*model.Subject:
			fields = append(fields, "Email", "Active")
		case []*model.AccessToken:
			fields = append(fields, "Token", "SubjectID", "ResourceRef", "IssuedAt", "ExpiresAt", "RedeemedAt")
		}
	}

	dump := make([]map[string]any, 0, len(records))
	for _, record := range records {
		entry := make(map[string]any, len(fields))
		for _, field := range fields {
			entry[field] = structs.GetField(record, field)
		}
		dump = append(dump, entry)
	}
	return dump
}

func jsondump(v any) {
	d, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(d))
}
