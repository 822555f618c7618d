package migration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrMalformedID      = errors.New("malformed migration id")
	ErrMissingOperation = errors.New("migration is missing an up or down operation")
)

// MaxIDLength bounds the numeric part of an id so it always fits into uint64.
const MaxIDLength = 18

// Conn is the execution surface a module receives from the runner. It is
// always bound to the transaction that also records the module in history;
// a module must never begin, commit or roll back a transaction itself.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Module is the unit of change: a unique sortable id, a human readable
// description and a pair of forward/backward operations.
type Module interface {
	ID() string
	Description() string
	Up(ctx context.Context, conn Conn) error
	Down(ctx context.Context, conn Conn) error
}

// ChecksumCarrier is an optional capability. When a module implements it
// the runner stores the checksum alongside the history record and verifies
// it on subsequent runs.
type ChecksumCarrier interface {
	Checksum() string
}

// Record is a single row of the persisted history ledger.
type Record struct {
	ID        string    `db:"migration_id"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// ParseID validates the textual form of an id and returns its numeric value
// used for ordering. Valid ids consist of digits only, e.g. 001.
func ParseID(id string) (uint64, error) {
	if id == "" || len(id) > MaxIDLength {
		return 0, errors.Wrapf(ErrMalformedID, "[%s]", id)
	}

	for _, r := range id {
		if r < '0' || r > '9' {
			return 0, errors.Wrapf(ErrMalformedID, "[%s]", id)
		}
	}

	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedID, "[%s]", id)
	}

	return n, nil
}

// Migration is the script backed Module implementation: forward and backward
// SQL scripts discovered from files or declared inline.
type Migration struct {
	Key      string
	Name     string
	Version  string
	Migrate  []string
	Rollback []string
}

var _ Module = (*Migration)(nil)
var _ ChecksumCarrier = (*Migration)(nil)

// New creates a script backed migration and validates it the way discovery
// does: a malformed version or a missing script set is an error.
func New(version, name string, migrate, rollback []string) (*Migration, error) {
	if _, err := ParseID(version); err != nil {
		return nil, err
	}

	if len(migrate) == 0 || len(rollback) == 0 {
		return nil, errors.Wrapf(ErrMissingOperation, "[%s_%s]", version, name)
	}

	return &Migration{
		Key:      CreateKeyFromIDAndName(version, name),
		Name:     name,
		Version:  version,
		Migrate:  migrate,
		Rollback: rollback,
	}, nil
}

func (m *Migration) ID() string {
	return m.Version
}

func (m *Migration) Description() string {
	return m.Name
}

func (m *Migration) Up(ctx context.Context, conn Conn) error {
	for _, script := range m.Migrate {
		if _, err := conn.ExecContext(ctx, script); err != nil {
			return errors.Wrapf(err, "could not run migrate script [%s]", script)
		}
	}

	return nil
}

func (m *Migration) Down(ctx context.Context, conn Conn) error {
	for _, script := range m.Rollback {
		if _, err := conn.ExecContext(ctx, script); err != nil {
			return errors.Wrapf(err, "could not run rollback script [%s]", script)
		}
	}

	return nil
}

// Checksum covers both directions, so editing either script of an already
// applied migration is detected.
func (m *Migration) Checksum() string {
	h := sha256.New()

	for _, script := range m.Migrate {
		h.Write([]byte(script))
	}

	h.Write([]byte{0})

	for _, script := range m.Rollback {
		h.Write([]byte(script))
	}

	return hex.EncodeToString(h.Sum(nil))
}

type Modules []Module

func (m Modules) Keys() (result []string) {
	for i := range m {
		result = append(result, KeyOf(m[i]))
	}
	return result
}

func (m Modules) Len() int {
	return len(m)
}

func (m Modules) Less(i, j int) bool {
	a, _ := ParseID(m[i].ID())
	b, _ := ParseID(m[j].ID())
	return a < b
}

func (m Modules) Swap(i, j int) {
	m[i], m[j] = m[j], m[i]
}

// KeyOf builds the canonical id_name key for any module.
func KeyOf(m Module) string {
	return CreateKeyFromIDAndName(m.ID(), m.Description())
}

func CreateKeyFromIDAndName(id, name string) string {
	var result bytes.Buffer
	result.WriteString(id)
	if name != "" {
		result.WriteString("_")
		result.WriteString(strings.Replace(strings.ToLower(name), " ", "_", -1))
	}
	return result.String()
}

// ChecksumOf returns the module checksum when the optional capability is
// present and an empty string otherwise.
func ChecksumOf(m Module) string {
	if c, ok := m.(ChecksumCarrier); ok {
		return c.Checksum()
	}

	return ""
}
