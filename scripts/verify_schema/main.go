package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// verify_schema checks that a signal-core database carries every table and
// late-added column.
//
// Usage:
//
//	go run ./scripts/verify_schema ./data/signals.db
func main() {
	dbPath := "./data/signals.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range []string{"preferences", "trader_whitelist", "signals", "signal_edits", "orders"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		fmt.Printf("✓ %s table exists\n", table)
	}

	for _, col := range []struct{ table, column string }{
		{"orders", "protective_order_id"},
		{"orders", "stop_price"},
		{"orders", "kind"},
	} {
		ok, err := hasColumn(db, col.table, col.column)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if ok {
			fmt.Printf("✓ %s.%s column exists\n", col.table, col.column)
		} else {
			fmt.Printf("❌ %s.%s column MISSING\n", col.table, col.column)
			missing++
		}
	}

	if missing > 0 {
		os.Exit(1)
	}
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
