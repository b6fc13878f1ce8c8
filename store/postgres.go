package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/apperror"
	"ticketgate-backend/models"
)

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"

	credentialCodeConstraint = "credential_public_code_key"
)

var errSerialization = errors.New("store: serialization failure")

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresOptions struct {
	URL         string
	MaxConns    int32
	LockTimeout time.Duration
	// TxAttempts bounds how often a serializable transaction is replayed
	// after a serialization failure.
	TxAttempts int
}

type Postgres struct {
	pgQueries
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	txAttempts  int
}

func NewPostgres(ctx context.Context, logger *logrus.Logger, opts PostgresOptions) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	attempts := opts.TxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	logger.Info("Successfully connected to the database!")
	return &Postgres{
		pgQueries:   pgQueries{db: pool, logger: logger},
		pool:        pool,
		lockTimeout: opts.LockTimeout,
		txAttempts:  attempts,
	}, nil
}

// Bootstrap creates the tables if they do not exist yet.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("bootstrap schema")
		return err
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return apperror.ErrUnavailable.Wrap(err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) CreateEvent(ctx context.Context, e models.Event) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO event (id, organizer_id, name, sales_start, sales_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			organizer_id = EXCLUDED.organizer_id,
			name = EXCLUDED.name,
			sales_start = EXCLUDED.sales_start,
			sales_end = EXCLUDED.sales_end
	`, e.ID, e.OrganizerID, e.Name, e.SalesStart, e.SalesEnd, e.CreatedAt)
	return p.translate(ctx, err)
}

func (p *Postgres) CreateTicketType(ctx context.Context, tt models.TicketType) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO ticket_type (id, event_id, name, price, total_available)
		VALUES ($1, $2, $3, $4, $5)
	`, tt.ID, tt.EventID, tt.Name, tt.Price, tt.TotalAvailable)
	return p.translate(ctx, err)
}

// InTx runs fn in a transaction that holds row locks no longer than
// lock_timeout. Serializable transactions that lose a conflict are replayed
// from scratch; the rollback of the failed attempt leaves nothing behind.
func (p *Postgres) InTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error {
	txOpts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	if opts.Serializable {
		txOpts.IsoLevel = pgx.Serializable
	}

	var err error
	for attempt := 1; attempt <= p.txAttempts; attempt++ {
		err = p.runTx(ctx, txOpts, fn)
		if !errors.Is(err, errSerialization) {
			return err
		}
		p.logger.WithContext(ctx).WithError(err).WithField("attempt", attempt).Warn("transaction lost a serialization conflict, retrying")
	}
	return apperror.ErrUnavailable.Wrap(err)
}

func (p *Postgres) runTx(ctx context.Context, txOpts pgx.TxOptions, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return p.translate(ctx, err)
	}
	defer tx.Rollback(ctx)

	if p.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", p.lockTimeout.Milliseconds())); err != nil {
			return p.translate(ctx, err)
		}
	}

	if err := fn(&pgTx{pgQueries: pgQueries{db: tx, logger: p.logger}}); err != nil {
		return err
	}
	return p.translate(ctx, tx.Commit(ctx))
}

type pgTx struct {
	pgQueries
}

func (tx *pgTx) LockTicketType(ctx context.Context, id string) (models.TicketType, error) {
	row := tx.db.QueryRow(ctx, `
		SELECT id, event_id, name, price, total_available
		FROM ticket_type
		WHERE id = $1
		FOR UPDATE
	`, id)
	return tx.scanTicketType(ctx, row)
}

func (tx *pgTx) LockTicket(ctx context.Context, id string) (models.Ticket, error) {
	row := tx.db.QueryRow(ctx, `
		SELECT t.id, t.ticket_type_id, tt.event_id, t.purchaser_id, t.price, t.status, t.created_at, t.updated_at
		FROM ticket t
		JOIN ticket_type tt ON tt.id = t.ticket_type_id
		WHERE t.id = $1
		FOR UPDATE OF t
	`, id)
	return tx.scanTicket(ctx, row)
}

type pgQueries struct {
	db     dbtx
	logger *logrus.Logger
}

// translate maps driver errors onto the store's sentinels and the retryable
// apperror kinds. Anything else is logged and returned unchanged.
func (q pgQueries) translate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.ErrLockTimeout.Wrap(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == credentialCodeConstraint {
				return ErrDuplicateCode
			}
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %v", errSerialization, err)
		case pgLockNotAvailable:
			return apperror.ErrLockTimeout.Wrap(err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return apperror.ErrUnavailable.Wrap(err)
	}

	q.logger.WithContext(ctx).WithError(err).Error("database error")
	return err
}

func (q pgQueries) scanTicketType(ctx context.Context, row pgx.Row) (models.TicketType, error) {
	var tt models.TicketType
	err := row.Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.Price, &tt.TotalAvailable)
	if err != nil {
		return models.TicketType{}, q.translate(ctx, err)
	}
	return tt, nil
}

func (q pgQueries) scanTicket(ctx context.Context, row pgx.Row) (models.Ticket, error) {
	var t models.Ticket
	var status string
	err := row.Scan(&t.ID, &t.TicketTypeID, &t.EventID, &t.PurchaserID, &t.Price, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.Ticket{}, q.translate(ctx, err)
	}
	t.Status = models.TicketStatus(status)
	return t, nil
}

func (q pgQueries) scanCredential(ctx context.Context, row pgx.Row) (models.Credential, error) {
	var c models.Credential
	var ticketID *string
	var status string
	if err := row.Scan(&c.ID, &ticketID, &c.PublicCode, &status, &c.IssuedAt); err != nil {
		return models.Credential{}, q.translate(ctx, err)
	}
	if ticketID != nil {
		c.TicketID = *ticketID
	}
	c.Status = models.CredentialStatus(status)
	return c, nil
}

func (q pgQueries) scanGrant(ctx context.Context, row pgx.Row) (models.StaffGrant, error) {
	var g models.StaffGrant
	err := row.Scan(&g.ID, &g.PrincipalID, &g.EventID, &g.OrganizerID, &g.Username, &g.SecretHash,
		&g.IsActive, &g.ValidFrom, &g.ValidUntil, &g.LastLogin, &g.CreatedAt)
	if err != nil {
		return models.StaffGrant{}, q.translate(ctx, err)
	}
	return g, nil
}

func (q pgQueries) GetEvent(ctx context.Context, id string) (models.Event, error) {
	var e models.Event
	var salesStart, salesEnd *time.Time
	err := q.db.QueryRow(ctx, `
		SELECT id, organizer_id, name, sales_start, sales_end, created_at
		FROM event
		WHERE id = $1
	`, id).Scan(&e.ID, &e.OrganizerID, &e.Name, &salesStart, &salesEnd, &e.CreatedAt)
	if err != nil {
		return models.Event{}, q.translate(ctx, err)
	}
	if salesStart != nil {
		e.SalesStart = *salesStart
	}
	if salesEnd != nil {
		e.SalesEnd = *salesEnd
	}
	return e, nil
}

func (q pgQueries) GetTicketType(ctx context.Context, id string) (models.TicketType, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, event_id, name, price, total_available
		FROM ticket_type
		WHERE id = $1
	`, id)
	return q.scanTicketType(ctx, row)
}

func (q pgQueries) SetTicketTypeAvailable(ctx context.Context, id string, available int) error {
	tag, err := q.db.Exec(ctx, `UPDATE ticket_type SET total_available = $1 WHERE id = $2`, available, id)
	if err != nil {
		return q.translate(ctx, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q pgQueries) CreateTicket(ctx context.Context, t models.Ticket) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO ticket (id, ticket_type_id, purchaser_id, price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.TicketTypeID, t.PurchaserID, t.Price, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return q.translate(ctx, err)
}

func (q pgQueries) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	row := q.db.QueryRow(ctx, `
		SELECT t.id, t.ticket_type_id, tt.event_id, t.purchaser_id, t.price, t.status, t.created_at, t.updated_at
		FROM ticket t
		JOIN ticket_type tt ON tt.id = t.ticket_type_id
		WHERE t.id = $1
	`, id)
	return q.scanTicket(ctx, row)
}

func (q pgQueries) ListTicketsByPurchaser(ctx context.Context, purchaserID string) ([]models.Ticket, error) {
	rows, err := q.db.Query(ctx, `
		SELECT t.id, t.ticket_type_id, tt.event_id, t.purchaser_id, t.price, t.status, t.created_at, t.updated_at
		FROM ticket t
		JOIN ticket_type tt ON tt.id = t.ticket_type_id
		WHERE t.purchaser_id = $1
		ORDER BY t.created_at DESC
	`, purchaserID)
	if err != nil {
		return nil, q.translate(ctx, err)
	}
	defer rows.Close()

	tickets := make([]models.Ticket, 0)
	for rows.Next() {
		t, err := q.scanTicket(ctx, rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, q.translate(ctx, rows.Err())
}

func (q pgQueries) SetTicketStatus(ctx context.Context, id string, from, to models.TicketStatus, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE ticket
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, string(to), at, id, string(from))
	if err != nil {
		return false, q.translate(ctx, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q pgQueries) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM credential WHERE public_code = upper($1))`, code).Scan(&exists)
	if err != nil {
		return false, q.translate(ctx, err)
	}
	return exists, nil
}

func (q pgQueries) CreateCredential(ctx context.Context, c models.Credential) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO credential (id, ticket_id, public_code, status, issued_at)
		VALUES ($1, $2, upper($3), $4, $5)
	`, c.ID, c.TicketID, c.PublicCode, string(c.Status), c.IssuedAt)
	return q.translate(ctx, err)
}

func (q pgQueries) GetCredentialByCode(ctx context.Context, code string) (models.Credential, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, ticket_id, public_code, status, issued_at
		FROM credential
		WHERE public_code = upper($1)
	`, code)
	return q.scanCredential(ctx, row)
}

func (q pgQueries) LatestCredential(ctx context.Context, ticketID string) (models.Credential, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, ticket_id, public_code, status, issued_at
		FROM credential
		WHERE ticket_id = $1
		ORDER BY issued_at DESC, status = 'ACTIVE' DESC
		LIMIT 1
	`, ticketID)
	return q.scanCredential(ctx, row)
}

func (q pgQueries) ExpireCredential(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE credential SET status = 'EXPIRED' WHERE id = $1 AND status = 'ACTIVE'`, id)
	if err != nil {
		return false, q.translate(ctx, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q pgQueries) ExpireActiveCredentials(ctx context.Context, ticketID string) (int, error) {
	tag, err := q.db.Exec(ctx, `UPDATE credential SET status = 'EXPIRED' WHERE ticket_id = $1 AND status = 'ACTIVE'`, ticketID)
	if err != nil {
		return 0, q.translate(ctx, err)
	}
	return int(tag.RowsAffected()), nil
}

func (q pgQueries) ExpireStaleCredentials(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := q.db.Exec(ctx, `UPDATE credential SET status = 'EXPIRED' WHERE status = 'ACTIVE' AND issued_at < $1`, cutoff)
	if err != nil {
		return 0, q.translate(ctx, err)
	}
	return int(tag.RowsAffected()), nil
}

const grantColumns = `id, principal_id, event_id, organizer_id, username, secret_hash, is_active, valid_from, valid_until, last_login, created_at`

func (q pgQueries) CreateGrant(ctx context.Context, g models.StaffGrant) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO staff_grant (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, g.ID, g.PrincipalID, g.EventID, g.OrganizerID, g.Username, g.SecretHash,
		g.IsActive, g.ValidFrom, g.ValidUntil, g.LastLogin, g.CreatedAt)
	return q.translate(ctx, err)
}

func (q pgQueries) GetGrant(ctx context.Context, id string) (models.StaffGrant, error) {
	row := q.db.QueryRow(ctx, `SELECT `+grantColumns+` FROM staff_grant WHERE id = $1`, id)
	return q.scanGrant(ctx, row)
}

func (q pgQueries) GetGrantByPrincipal(ctx context.Context, principalID string) (models.StaffGrant, error) {
	row := q.db.QueryRow(ctx, `SELECT `+grantColumns+` FROM staff_grant WHERE principal_id = $1`, principalID)
	return q.scanGrant(ctx, row)
}

func (q pgQueries) ListGrantsByEvent(ctx context.Context, eventID string) ([]models.StaffGrant, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+grantColumns+`
		FROM staff_grant
		WHERE event_id = $1
		ORDER BY created_at, username
	`, eventID)
	if err != nil {
		return nil, q.translate(ctx, err)
	}
	defer rows.Close()

	grants := make([]models.StaffGrant, 0)
	for rows.Next() {
		g, err := q.scanGrant(ctx, rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, q.translate(ctx, rows.Err())
}

func (q pgQueries) DeactivateGrant(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `UPDATE staff_grant SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return q.translate(ctx, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q pgQueries) ExtendGrant(ctx context.Context, id string, d time.Duration) (time.Time, error) {
	var until time.Time
	err := q.db.QueryRow(ctx, `
		UPDATE staff_grant
		SET valid_until = valid_until + make_interval(secs => $1)
		WHERE id = $2
		RETURNING valid_until
	`, d.Seconds(), id).Scan(&until)
	if err != nil {
		return time.Time{}, q.translate(ctx, err)
	}
	return until, nil
}

func (q pgQueries) SetGrantSecret(ctx context.Context, id string, hash []byte) error {
	tag, err := q.db.Exec(ctx, `UPDATE staff_grant SET secret_hash = $1 WHERE id = $2`, hash, id)
	if err != nil {
		return q.translate(ctx, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q pgQueries) TouchGrantLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := q.db.Exec(ctx, `UPDATE staff_grant SET last_login = $1 WHERE id = $2`, at, id)
	return q.translate(ctx, err)
}

func (q pgQueries) CreateAdmission(ctx context.Context, r models.AdmissionRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO admission_record (id, ticket_id, grant_id, event_id, credential_id, method, outcome, validated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.TicketID, r.GrantID, r.EventID, r.CredentialID, string(r.Method), r.Outcome, r.ValidatedAt)
	return q.translate(ctx, err)
}

func (q pgQueries) ListAdmissionsByEvent(ctx context.Context, eventID string) ([]models.AdmissionRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, ticket_id, grant_id, event_id, credential_id, method, outcome, validated_at
		FROM admission_record
		WHERE event_id = $1
		ORDER BY validated_at DESC
	`, eventID)
	if err != nil {
		return nil, q.translate(ctx, err)
	}
	defer rows.Close()

	records := make([]models.AdmissionRecord, 0)
	for rows.Next() {
		var r models.AdmissionRecord
		var method string
		if err := rows.Scan(&r.ID, &r.TicketID, &r.GrantID, &r.EventID, &r.CredentialID, &method, &r.Outcome, &r.ValidatedAt); err != nil {
			return nil, q.translate(ctx, err)
		}
		r.Method = models.AdmissionMethod(method)
		records = append(records, r)
	}
	return records, q.translate(ctx, rows.Err())
}

func (q pgQueries) CountAdmissionsByTicket(ctx context.Context, ticketID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT count(id) FROM admission_record WHERE ticket_id = $1`, ticketID).Scan(&n)
	if err != nil {
		return 0, q.translate(ctx, err)
	}
	return n, nil
}

func (q pgQueries) UpsertAttendee(ctx context.Context, a models.Attendee) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO event_attendee (event_id, user_id, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, user_id) DO NOTHING
	`, a.EventID, a.UserID, a.RegisteredAt)
	if err != nil {
		return false, q.translate(ctx, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q pgQueries) IsAttendee(ctx context.Context, eventID, userID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM event_attendee WHERE event_id = $1 AND user_id = $2)`, eventID, userID).Scan(&exists)
	if err != nil {
		return false, q.translate(ctx, err)
	}
	return exists, nil
}

func (q pgQueries) ListAttendees(ctx context.Context, eventID string) ([]models.Attendee, error) {
	rows, err := q.db.Query(ctx, `
		SELECT event_id, user_id, registered_at
		FROM event_attendee
		WHERE event_id = $1
		ORDER BY registered_at
	`, eventID)
	if err != nil {
		return nil, q.translate(ctx, err)
	}
	defer rows.Close()

	attendees := make([]models.Attendee, 0)
	for rows.Next() {
		var a models.Attendee
		if err := rows.Scan(&a.EventID, &a.UserID, &a.RegisteredAt); err != nil {
			return nil, q.translate(ctx, err)
		}
		attendees = append(attendees, a)
	}
	return attendees, q.translate(ctx, rows.Err())
}
