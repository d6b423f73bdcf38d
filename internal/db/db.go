package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vendpi/internal/framer"
	"github.com/banshee-data/vendpi/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB is the local packet and delivery archive.
type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the archive at path and applies any pending
// migrations.
func NewDB(path string) (*DB, error) {
	dsn := "file:" + path
	for i, p := range pragmas {
		if i == 0 {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += "_pragma=" + p
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	monitoring.Logf("opened packet archive %s", path)
	return db, nil
}

// RecordPacket archives p. Recording the same packet twice is an error.
func (db *DB) RecordPacket(ctx context.Context, p framer.Packet) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO packets (
			packet_id, reason, line_count, data, started_at, emitted_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Reason.String(), len(p.Lines), p.Text(),
		p.StartedAt.UTC().Format(timeLayout), p.EmittedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record packet %s: %w", p.ID, err)
	}
	return nil
}

// RecordDelivery logs one delivery attempt. A nil deliveryErr is a success.
func (db *DB) RecordDelivery(ctx context.Context, packetID uuid.UUID, sink string, at time.Time, took time.Duration, deliveryErr error) error {
	var errText sql.NullString
	if deliveryErr != nil {
		errText = sql.NullString{String: deliveryErr.Error(), Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO deliveries (
			packet_id, sink, attempted_at, duration_ms, success, error
		) VALUES (?, ?, ?, ?, ?, ?)`,
		packetID.String(), sink, at.UTC().Format(timeLayout),
		float64(took)/float64(time.Millisecond), deliveryErr == nil, errText,
	)
	if err != nil {
		return fmt.Errorf("record delivery of %s to %s: %w", packetID, sink, err)
	}
	return nil
}

// StoredPacket is an archived packet.
type StoredPacket struct {
	ID        uuid.UUID `json:"id"`
	Reason    string    `json:"reason"`
	Lines     []string  `json:"lines"`
	Data      string    `json:"data"`
	StartedAt time.Time `json:"started_at"`
	EmittedAt time.Time `json:"emitted_at"`
}

// RecentPackets returns up to limit packets, newest first.
func (db *DB) RecentPackets(ctx context.Context, limit int) ([]StoredPacket, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT packet_id, reason, data, started_at, emitted_at
		FROM packets
		ORDER BY emitted_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	packets := []StoredPacket{}
	for rows.Next() {
		var (
			p                  StoredPacket
			id, started, ended string
		)
		if err := rows.Scan(&id, &p.Reason, &p.Data, &started, &ended); err != nil {
			return nil, err
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("packet id %q: %w", id, err)
		}
		if p.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("packet %s started_at: %w", id, err)
		}
		if p.EmittedAt, err = time.Parse(timeLayout, ended); err != nil {
			return nil, fmt.Errorf("packet %s emitted_at: %w", id, err)
		}
		// stored lines never contain a newline
		p.Lines = strings.Split(p.Data, "\n")
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return packets, nil
}

// Delivery is one recorded delivery attempt.
type Delivery struct {
	PacketID    uuid.UUID `json:"packet_id"`
	Sink        string    `json:"sink"`
	AttemptedAt time.Time `json:"attempted_at"`
	DurationMs  float64   `json:"duration_ms"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// RecentDeliveries returns up to limit delivery attempts, newest first.
// With failedOnly set only failures are returned.
func (db *DB) RecentDeliveries(ctx context.Context, limit int, failedOnly bool) ([]Delivery, error) {
	query := `SELECT packet_id, sink, attempted_at, duration_ms, success, error FROM deliveries`
	if failedOnly {
		query += ` WHERE success = 0`
	}
	query += ` ORDER BY delivery_id DESC LIMIT ?`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []Delivery{}
	for rows.Next() {
		var (
			d       Delivery
			id, at  string
			errText sql.NullString
		)
		if err := rows.Scan(&id, &d.Sink, &at, &d.DurationMs, &d.Success, &errText); err != nil {
			return nil, err
		}
		if d.PacketID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("delivery packet id %q: %w", id, err)
		}
		if d.AttemptedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("delivery attempted_at: %w", err)
		}
		d.Error = errText.String
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deliveries, nil
}

// PacketCount returns the number of archived packets.
func (db *DB) PacketCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packets`).Scan(&n)
	return n, err
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Packet archive",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := fmt.Sprintf("vendpi-backup-%d.db", time.Now().Unix())
		backupPath := filepath.Join(os.TempDir(), name)
		if _, err := db.DB.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		// remove the backup from the filesystem once it has been sent
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			monitoring.Logf("failed to write backup: %v", err)
		}
	}))
}
