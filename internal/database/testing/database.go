// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

// DumpTable dumps the contents of the given tables to stdout. This is
// useful for debugging tests. It is not intended for use in production
// code.
func DumpTable(c *gc.C, db *sql.DB, tables ...string) {
	for _, table := range tables {
		rows, err := db.Query(fmt.Sprintf("SELECT * FROM %q", table))
		c.Assert(err, jc.ErrorIsNil)
		defer rows.Close()

		cols, err := rows.Columns()
		c.Assert(err, jc.ErrorIsNil)

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 4, '\t', 0)
		fmt.Fprintf(w, "table %q:\n", table)
		for i, col := range cols {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, col)
		}
		fmt.Fprintln(w)

		values := make([]any, len(cols))
		for i := range values {
			values[i] = new(any)
		}
		for rows.Next() {
			c.Assert(rows.Scan(values...), jc.ErrorIsNil)
			for i, value := range values {
				if i > 0 {
					fmt.Fprint(w, "\t")
				}
				fmt.Fprintf(w, "%v", *(value.(*any)))
			}
			fmt.Fprintln(w)
		}
		c.Assert(rows.Err(), jc.ErrorIsNil)
		c.Assert(w.Flush(), jc.ErrorIsNil)
	}
}
