package main

import (
	"fmt"
	"log"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
	"github.com/muesli/coral"
	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/model"
	"github.com/pkg/errors"
)

func main() {
	c := &coral.Command{
		Use:   "rmsubject",
		Short: "Remove a subject and its access tokens from the database",
		Args:  coral.ExactArgs(2),
		RunE: func(_ *coral.Command, args []string) error {
			//
			//
			fmt.Println("Opening", args[0])
			db, err := storm.Open(args[0], database.StormCodec)
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer db.Close()

			// Fetch subject
			var subject model.Subject
			err = db.One("Email", args[1], &subject)
			if err != nil {
				if err == storm.ErrNotFound {
					fmt.Println("No subject for this email")
					return nil
				}
				return errors.Wrap(err, "find subject by mail")
			}

			fmt.Println("Subject found:", subject.ID)

			// Deleting subject's tokens
			err = db.Select(q.Eq("SubjectID", subject.ID)).Delete(&model.AccessToken{})
			if err != nil && err != storm.ErrNotFound {
				return errors.Wrap(err, "delete access tokens")
			}
			fmt.Println("Access tokens removed")

			// Delete subject
			err = db.DeleteStruct(&subject)
			if err != nil && err != storm.ErrNotFound {
				return errors.Wrap(err, "delete subject")
			}
			fmt.Println("Subject removed")

			return nil
		},
	}

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}
