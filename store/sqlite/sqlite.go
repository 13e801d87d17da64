/*
Package sqlite provides a SQLite-backed implementation of capacity.Store.

PURPOSE:
  Persists plants, slots, bookings and the transfer audit trail. The same
  queries run on the connection pool and inside a transaction through the
  executor interface.

KEY TABLES:
  plants, subtypes: the catalog
  slots:            capacity windows with a version column
  bookings:         order holds on a slot
  transfers:        append-only audit, idempotency_key UNIQUE

OPTIMISTIC CONCURRENCY:
  UpdateSlot is UPDATE ... WHERE id = ? AND version = ?. Zero rows affected
  on an existing slot means someone else wrote first, reported as
  capacity.ErrConcurrentModification.

SCHEMA CHECKS:
  The slots table repeats the capacity invariants as CHECK constraints
  (0 <= total_booked_plants <= total_plants, buffers within 0..100). A
  violation is a bug in the engine, not a user error, and surfaces as a
  plain error.

WAL MODE AND LOCKING:
  Files are opened with WAL, a busy timeout and immediate transactions so
  concurrent writers queue instead of failing. ":memory:" is pinned to one
  connection because every new connection would see an empty database.

MIGRATION:
  Schema lives in migrations/*.sql, embedded and applied with golang-migrate
  on New().

USAGE:
  st, err := sqlite.New("./data/slots.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  eng := capacity.NewEngine(st, capacity.Options{})

SEE ALSO:
  - capacity/store.go: interface definitions
  - capacity/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/slot-engine/capacity"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// executor is satisfied by both *sqlx.DB and *sqlx.Tx.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	db *sqlx.DB
}

var _ capacity.Store = (*Store)(nil)

// New opens the database at path and migrates it. Use ":memory:" for a
// throwaway database.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func dsn(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(capacity.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset deletes all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"transfers", "bookings", "slots", "subtypes", "plants"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SavePlant(ctx context.Context, p capacity.Plant) error {
	return s.WithTx(ctx, func(tx capacity.Tx) error {
		return tx.SavePlant(ctx, p)
	})
}

func (s *Store) GetPlant(ctx context.Context, id capacity.PlantID) (*capacity.Plant, error) {
	return getPlant(ctx, s.db, id)
}

func (s *Store) ListPlants(ctx context.Context) ([]capacity.Plant, error) {
	return listPlants(ctx, s.db)
}

func (s *Store) GetSlot(ctx context.Context, id capacity.SlotID) (*capacity.Slot, error) {
	return getSlot(ctx, s.db, id)
}

func (s *Store) ListSlots(ctx context.Context, f capacity.SlotFilter) ([]capacity.Slot, error) {
	return listSlots(ctx, s.db, f)
}

func (s *Store) GetBooking(ctx context.Context, id capacity.BookingID) (*capacity.Booking, error) {
	return getBooking(ctx, s.db, id)
}

func (s *Store) ListBookings(ctx context.Context, f capacity.BookingFilter) ([]capacity.Booking, error) {
	return listBookings(ctx, s.db, f)
}

func (s *Store) FindTransfer(ctx context.Context, key string) (*capacity.TransferRecord, error) {
	return findTransfer(ctx, s.db, key)
}

func (s *Store) ListTransfers(ctx context.Context, f capacity.TransferFilter) ([]capacity.TransferRecord, error) {
	return listTransfers(ctx, s.db, f)
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

type txStore struct {
	tx *sqlx.Tx
}

func (t *txStore) GetPlant(ctx context.Context, id capacity.PlantID) (*capacity.Plant, error) {
	return getPlant(ctx, t.tx, id)
}

func (t *txStore) ListPlants(ctx context.Context) ([]capacity.Plant, error) {
	return listPlants(ctx, t.tx)
}

func (t *txStore) GetSlot(ctx context.Context, id capacity.SlotID) (*capacity.Slot, error) {
	return getSlot(ctx, t.tx, id)
}

func (t *txStore) ListSlots(ctx context.Context, f capacity.SlotFilter) ([]capacity.Slot, error) {
	return listSlots(ctx, t.tx, f)
}

func (t *txStore) GetBooking(ctx context.Context, id capacity.BookingID) (*capacity.Booking, error) {
	return getBooking(ctx, t.tx, id)
}

func (t *txStore) ListBookings(ctx context.Context, f capacity.BookingFilter) ([]capacity.Booking, error) {
	return listBookings(ctx, t.tx, f)
}

func (t *txStore) FindTransfer(ctx context.Context, key string) (*capacity.TransferRecord, error) {
	return findTransfer(ctx, t.tx, key)
}

func (t *txStore) ListTransfers(ctx context.Context, f capacity.TransferFilter) ([]capacity.TransferRecord, error) {
	return listTransfers(ctx, t.tx, f)
}

// InsertSlots inserts in order and checks each window against active slots
// already visible in the transaction, earlier rows of the batch included.
func (t *txStore) SavePlant(ctx context.Context, p capacity.Plant) error {
	return savePlant(ctx, t.tx, p)
}

func (t *txStore) InsertSlots(ctx context.Context, slots []capacity.Slot) error {
	for _, s := range slots {
		if s.Status != capacity.SlotClosed {
			var hit struct {
				ID       string `db:"id"`
				StartDay string `db:"start_day"`
				EndDay   string `db:"end_day"`
			}
			err := t.tx.GetContext(ctx, &hit, `
				SELECT id, start_day, end_day FROM slots
				WHERE plant_id = ? AND subtype_id = ? AND status = 'active'
				  AND start_day <= ? AND end_day >= ?
				ORDER BY start_day LIMIT 1`,
				s.PlantID, s.SubtypeID, s.EndDay.String(), s.StartDay.String())
			if err == nil {
				window, err := parsePeriod(hit.StartDay, hit.EndDay)
				if err != nil {
					return fmt.Errorf("slot %s: %w", hit.ID, err)
				}
				return &capacity.SlotConflictError{
					Existing:  capacity.SlotID(hit.ID),
					Window:    window,
					Requested: s.Period(),
				}
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check slot overlap: %w", err)
			}
		}

		row := toSlotRow(s)
		_, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO slots (id, plant_id, subtype_id, start_day, end_day, month,
				total_plants, buffer, effective_buffer, total_booked_plants, status,
				version, created_at, updated_at)
			VALUES (:id, :plant_id, :subtype_id, :start_day, :end_day, :month,
				:total_plants, :buffer, :effective_buffer, :total_booked_plants, :status,
				:version, :created_at, :updated_at)`, row)
		if err != nil {
			if isUniqueConstraintError(err) {
				return capacity.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert slot: %w", err)
		}
	}
	return nil
}

func (t *txStore) UpdateSlot(ctx context.Context, s capacity.Slot) error {
	row := toSlotRow(s)
	res, err := t.tx.ExecContext(ctx, `
		UPDATE slots SET
			total_plants = ?, buffer = ?, effective_buffer = ?,
			total_booked_plants = ?, status = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		row.TotalPlants, row.Buffer, row.EffectiveBuffer,
		row.TotalBookedPlants, row.Status, row.UpdatedAt,
		row.ID, row.Version)
	if err != nil {
		return fmt.Errorf("failed to update slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update slot: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := getSlot(ctx, t.tx, s.ID); err != nil {
		return err
	}
	return capacity.ErrConcurrentModification
}

func (t *txStore) InsertBooking(ctx context.Context, b capacity.Booking) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO bookings (id, order_id, slot_id, quantity, status, created_at, updated_at)
		VALUES (:id, :order_id, :slot_id, :quantity, :status, :created_at, :updated_at)`,
		toBookingRow(b))
	if err != nil {
		if isUniqueConstraintError(err) {
			return capacity.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (t *txStore) UpdateBooking(ctx context.Context, b capacity.Booking) error {
	row := toBookingRow(b)
	res, err := t.tx.ExecContext(ctx, `
		UPDATE bookings SET slot_id = ?, quantity = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		row.SlotID, row.Quantity, row.Status, row.UpdatedAt, row.ID)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &capacity.NotFoundError{Kind: "booking", ID: string(b.ID)}
	}
	return nil
}

func (t *txStore) AppendTransfer(ctx context.Context, r capacity.TransferRecord) error {
	row, err := toTransferRow(r)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO transfers (id, mode, source_slot_id, target_slot_id, quantity,
			order_ids, booking_ids, reason, actor, idempotency_key, created_at)
		VALUES (:id, :mode, :source_slot_id, :target_slot_id, :quantity,
			:order_ids, :booking_ids, :reason, :actor, :idempotency_key, :created_at)`, row)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return capacity.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transfer: %w", err)
	}
	return nil
}

// =============================================================================
// PLANTS
// =============================================================================

type plantRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	CreatedAt string `db:"created_at"`
}

type subtypeRow struct {
	ID             string `db:"id"`
	PlantID        string `db:"plant_id"`
	Name           string `db:"name"`
	PlantReadyDays int    `db:"plant_ready_days"`
	UnitFactor     string `db:"unit_factor"`
	Position       int    `db:"position"`
}

// savePlant upserts the plant and its subtypes. Subtypes missing from p are
// left in place because slots may still reference them.
func savePlant(ctx context.Context, tx *sqlx.Tx, p capacity.Plant) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO plants (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		p.ID, p.Name, created.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save plant: %w", err)
	}

	for i, st := range p.Subtypes {
		factor := st.UnitFactor
		if factor.IsZero() {
			factor = decimal.NewFromInt(1)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO subtypes (id, plant_id, name, plant_ready_days, unit_factor, position)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(plant_id, id) DO UPDATE SET
				name = excluded.name,
				plant_ready_days = excluded.plant_ready_days,
				unit_factor = excluded.unit_factor,
				position = excluded.position`,
			st.ID, p.ID, st.Name, st.PlantReadyDays, factor.String(), i)
		if err != nil {
			return fmt.Errorf("failed to save subtype %s: %w", st.ID, err)
		}
	}
	return nil
}

func getPlant(ctx context.Context, ex executor, id capacity.PlantID) (*capacity.Plant, error) {
	var row plantRow
	err := ex.GetContext(ctx, &row, `SELECT id, name, created_at FROM plants WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &capacity.NotFoundError{Kind: "plant", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plant: %w", err)
	}
	plants, err := attachSubtypes(ctx, ex, []plantRow{row})
	if err != nil {
		return nil, err
	}
	return &plants[0], nil
}

func listPlants(ctx context.Context, ex executor) ([]capacity.Plant, error) {
	var rows []plantRow
	if err := ex.SelectContext(ctx, &rows, `SELECT id, name, created_at FROM plants ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list plants: %w", err)
	}
	return attachSubtypes(ctx, ex, rows)
}

func attachSubtypes(ctx context.Context, ex executor, rows []plantRow) ([]capacity.Plant, error) {
	if len(rows) == 0 {
		return []capacity.Plant{}, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	query, args, err := sqlx.In(`
		SELECT id, plant_id, name, plant_ready_days, unit_factor, position
		FROM subtypes WHERE plant_id IN (?) ORDER BY plant_id, position, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build subtype query: %w", err)
	}
	var subs []subtypeRow
	if err := ex.SelectContext(ctx, &subs, ex.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list subtypes: %w", err)
	}

	byPlant := make(map[string][]capacity.Subtype, len(rows))
	for _, st := range subs {
		factor, err := decimal.NewFromString(st.UnitFactor)
		if err != nil {
			return nil, fmt.Errorf("subtype %s: bad unit factor %q: %w", st.ID, st.UnitFactor, err)
		}
		byPlant[st.PlantID] = append(byPlant[st.PlantID], capacity.Subtype{
			ID:             capacity.SubtypeID(st.ID),
			PlantID:        capacity.PlantID(st.PlantID),
			Name:           st.Name,
			PlantReadyDays: st.PlantReadyDays,
			UnitFactor:     factor,
		})
	}

	out := make([]capacity.Plant, len(rows))
	for i, r := range rows {
		created, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("plant %s: %w", r.ID, err)
		}
		out[i] = capacity.Plant{
			ID:        capacity.PlantID(r.ID),
			Name:      r.Name,
			Subtypes:  byPlant[r.ID],
			CreatedAt: created,
		}
	}
	return out, nil
}

// =============================================================================
// SLOTS
// =============================================================================

type slotRow struct {
	ID                string        `db:"id"`
	PlantID           string        `db:"plant_id"`
	SubtypeID         string        `db:"subtype_id"`
	StartDay          string        `db:"start_day"`
	EndDay            string        `db:"end_day"`
	Month             string        `db:"month"`
	TotalPlants       int64         `db:"total_plants"`
	Buffer            int           `db:"buffer"`
	EffectiveBuffer   sql.NullInt64 `db:"effective_buffer"`
	TotalBookedPlants int64         `db:"total_booked_plants"`
	Status            string        `db:"status"`
	Version           int64         `db:"version"`
	CreatedAt         string        `db:"created_at"`
	UpdatedAt         string        `db:"updated_at"`
}

const slotColumns = `id, plant_id, subtype_id, start_day, end_day, month, total_plants,
	buffer, effective_buffer, total_booked_plants, status, version, created_at, updated_at`

func toSlotRow(s capacity.Slot) slotRow {
	row := slotRow{
		ID:                string(s.ID),
		PlantID:           string(s.PlantID),
		SubtypeID:         string(s.SubtypeID),
		StartDay:          s.StartDay.String(),
		EndDay:            s.EndDay.String(),
		Month:             s.Month,
		TotalPlants:       s.TotalPlants,
		Buffer:            s.Buffer,
		TotalBookedPlants: s.TotalBookedPlants,
		Status:            string(s.Status),
		Version:           s.Version,
		CreatedAt:         s.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:         s.UpdatedAt.UTC().Format(timeLayout),
	}
	if s.EffectiveBuffer != nil {
		row.EffectiveBuffer = sql.NullInt64{Int64: int64(*s.EffectiveBuffer), Valid: true}
	}
	return row
}

func (r slotRow) toSlot() (capacity.Slot, error) {
	window, err := parsePeriod(r.StartDay, r.EndDay)
	if err != nil {
		return capacity.Slot{}, fmt.Errorf("slot %s: %w", r.ID, err)
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return capacity.Slot{}, fmt.Errorf("slot %s: %w", r.ID, err)
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return capacity.Slot{}, fmt.Errorf("slot %s: %w", r.ID, err)
	}
	s := capacity.Slot{
		ID:                capacity.SlotID(r.ID),
		PlantID:           capacity.PlantID(r.PlantID),
		SubtypeID:         capacity.SubtypeID(r.SubtypeID),
		StartDay:          window.Start,
		EndDay:            window.End,
		Month:             r.Month,
		TotalPlants:       r.TotalPlants,
		Buffer:            r.Buffer,
		TotalBookedPlants: r.TotalBookedPlants,
		Status:            capacity.SlotStatus(r.Status),
		Version:           r.Version,
		CreatedAt:         created,
		UpdatedAt:         updated,
	}
	if r.EffectiveBuffer.Valid {
		b := int(r.EffectiveBuffer.Int64)
		s.EffectiveBuffer = &b
	}
	return s, nil
}

func getSlot(ctx context.Context, ex executor, id capacity.SlotID) (*capacity.Slot, error) {
	var row slotRow
	err := ex.GetContext(ctx, &row, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &capacity.NotFoundError{Kind: "slot", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	s, err := row.toSlot()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func listSlots(ctx context.Context, ex executor, f capacity.SlotFilter) ([]capacity.Slot, error) {
	var where []string
	var args []any
	if f.PlantID != "" {
		where = append(where, "plant_id = ?")
		args = append(args, f.PlantID)
	}
	if f.SubtypeID != "" {
		where = append(where, "subtype_id = ?")
		args = append(args, f.SubtypeID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Overlapping != nil {
		where = append(where, "start_day <= ? AND end_day >= ?")
		args = append(args, f.Overlapping.End.String(), f.Overlapping.Start.String())
	}

	query := `SELECT ` + slotColumns + ` FROM slots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY plant_id, subtype_id, start_day, id"

	var rows []slotRow
	if err := ex.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	out := make([]capacity.Slot, 0, len(rows))
	for _, r := range rows {
		s, err := r.toSlot()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

type bookingRow struct {
	ID        string `db:"id"`
	OrderID   string `db:"order_id"`
	SlotID    string `db:"slot_id"`
	Quantity  int64  `db:"quantity"`
	Status    string `db:"status"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func toBookingRow(b capacity.Booking) bookingRow {
	return bookingRow{
		ID:        string(b.ID),
		OrderID:   b.OrderID,
		SlotID:    string(b.SlotID),
		Quantity:  b.Quantity,
		Status:    string(b.Status),
		CreatedAt: b.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: b.UpdatedAt.UTC().Format(timeLayout),
	}
}

func (r bookingRow) toBooking() (capacity.Booking, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return capacity.Booking{}, fmt.Errorf("booking %s: %w", r.ID, err)
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return capacity.Booking{}, fmt.Errorf("booking %s: %w", r.ID, err)
	}
	return capacity.Booking{
		ID:        capacity.BookingID(r.ID),
		OrderID:   r.OrderID,
		SlotID:    capacity.SlotID(r.SlotID),
		Quantity:  r.Quantity,
		Status:    capacity.BookingStatus(r.Status),
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func getBooking(ctx context.Context, ex executor, id capacity.BookingID) (*capacity.Booking, error) {
	var row bookingRow
	err := ex.GetContext(ctx, &row, `
		SELECT id, order_id, slot_id, quantity, status, created_at, updated_at
		FROM bookings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &capacity.NotFoundError{Kind: "booking", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	b, err := row.toBooking()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func listBookings(ctx context.Context, ex executor, f capacity.BookingFilter) ([]capacity.Booking, error) {
	var where []string
	var args []any
	if f.SlotID != "" {
		where = append(where, "slot_id = ?")
		args = append(args, f.SlotID)
	}
	if f.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT id, order_id, slot_id, quantity, status, created_at, updated_at FROM bookings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	var rows []bookingRow
	if err := ex.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	out := make([]capacity.Booking, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBooking()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// =============================================================================
// TRANSFERS
// =============================================================================

type transferRow struct {
	ID             string         `db:"id"`
	Mode           string         `db:"mode"`
	SourceSlotID   string         `db:"source_slot_id"`
	TargetSlotID   string         `db:"target_slot_id"`
	Quantity       int64          `db:"quantity"`
	OrderIDs       sql.NullString `db:"order_ids"`
	BookingIDs     sql.NullString `db:"booking_ids"`
	Reason         sql.NullString `db:"reason"`
	Actor          sql.NullString `db:"actor"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      string         `db:"created_at"`
}

const transferColumns = `id, mode, source_slot_id, target_slot_id, quantity,
	order_ids, booking_ids, reason, actor, idempotency_key, created_at`

func toTransferRow(r capacity.TransferRecord) (transferRow, error) {
	row := transferRow{
		ID:             string(r.ID),
		Mode:           string(r.Mode),
		SourceSlotID:   string(r.SourceSlotID),
		TargetSlotID:   string(r.TargetSlotID),
		Quantity:       r.Quantity,
		Reason:         nullString(r.Reason),
		Actor:          nullString(r.Actor),
		IdempotencyKey: nullString(r.IdempotencyKey),
		CreatedAt:      r.CreatedAt.UTC().Format(timeLayout),
	}
	if len(r.OrderIDs) > 0 {
		b, err := json.Marshal(r.OrderIDs)
		if err != nil {
			return row, fmt.Errorf("failed to encode order ids: %w", err)
		}
		row.OrderIDs = nullString(string(b))
	}
	if len(r.BookingIDs) > 0 {
		b, err := json.Marshal(r.BookingIDs)
		if err != nil {
			return row, fmt.Errorf("failed to encode booking ids: %w", err)
		}
		row.BookingIDs = nullString(string(b))
	}
	return row, nil
}

func (r transferRow) toRecord() (capacity.TransferRecord, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return capacity.TransferRecord{}, fmt.Errorf("transfer %s: %w", r.ID, err)
	}
	rec := capacity.TransferRecord{
		ID:             capacity.TransferID(r.ID),
		Mode:           capacity.TransferMode(r.Mode),
		SourceSlotID:   capacity.SlotID(r.SourceSlotID),
		TargetSlotID:   capacity.SlotID(r.TargetSlotID),
		Quantity:       r.Quantity,
		Reason:         r.Reason.String,
		Actor:          r.Actor.String,
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      created,
	}
	if r.OrderIDs.Valid {
		if err := json.Unmarshal([]byte(r.OrderIDs.String), &rec.OrderIDs); err != nil {
			return rec, fmt.Errorf("transfer %s: bad order ids: %w", r.ID, err)
		}
	}
	if r.BookingIDs.Valid {
		if err := json.Unmarshal([]byte(r.BookingIDs.String), &rec.BookingIDs); err != nil {
			return rec, fmt.Errorf("transfer %s: bad booking ids: %w", r.ID, err)
		}
	}
	return rec, nil
}

func findTransfer(ctx context.Context, ex executor, key string) (*capacity.TransferRecord, error) {
	var row transferRow
	err := ex.GetContext(ctx, &row, `SELECT `+transferColumns+` FROM transfers WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer: %w", err)
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func listTransfers(ctx context.Context, ex executor, f capacity.TransferFilter) ([]capacity.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	var args []any
	if f.SlotID != "" {
		query += ` WHERE source_slot_id = ? OR target_slot_id = ?`
		args = append(args, f.SlotID, f.SlotID)
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []transferRow
	if err := ex.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	out := make([]capacity.TransferRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parsePeriod(start, end string) (capacity.Period, error) {
	s, err := capacity.ParseDay(start)
	if err != nil {
		return capacity.Period{}, err
	}
	e, err := capacity.ParseDay(end)
	if err != nil {
		return capacity.Period{}, err
	}
	return capacity.Period{Start: s, End: e}, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
