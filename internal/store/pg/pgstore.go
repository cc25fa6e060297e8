// Package pg implements the relational store on PostgreSQL through
// database/sql with the pgx driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"biobank.org/internal/fault"
	"biobank.org/internal/ids"
	"biobank.org/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	db    *sql.DB
	codec *store.Codec
}

func Open(dsn string, codec *store.Codec) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, codec: codec}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB, codec *store.Codec) *Store {
	return &Store{db: db, codec: codec}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- users ---

func (s *Store) createUser(ctx context.Context, tx *sql.Tx, username string, role store.Role) (store.User, error) {
	u := store.User{ID: ids.New(), Username: username, Role: role, CreatedAt: time.Now().UTC()}
	_, err := tx.ExecContext(ctx, `
		insert into users(id, username, role, created_at)
		values ($1,$2,$3,$4)
	`, u.ID, u.Username, string(u.Role), u.CreatedAt)
	if isUnique(err) {
		return store.User{}, fault.UserExists(username)
	}
	if err != nil {
		return store.User{}, err
	}
	return u, nil
}

func (s *Store) CreateBiobanker(ctx context.Context, username string) (store.Biobanker, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Biobanker{}, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := s.createUser(ctx, tx, username, store.RoleBiobanker)
	if err != nil {
		return store.Biobanker{}, err
	}
	if _, err := tx.ExecContext(ctx, `insert into biobankers(user_id) values ($1)`, u.ID); err != nil {
		return store.Biobanker{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Biobanker{}, err
	}
	return store.Biobanker{User: u}, nil
}

func (s *Store) CreateResearcher(ctx context.Context, username, institute string) (store.Researcher, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Researcher{}, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := s.createUser(ctx, tx, username, store.RoleResearcher)
	if err != nil {
		return store.Researcher{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into researchers(user_id, institute) values ($1,$2)
	`, u.ID, institute); err != nil {
		return store.Researcher{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Researcher{}, err
	}
	return store.Researcher{User: u, Institute: institute}, nil
}

func (s *Store) CreateParticipant(ctx context.Context, username, name, email string) (store.Participant, error) {
	sealedName, err := s.codec.Seal(name)
	if err != nil {
		return store.Participant{}, err
	}
	sealedEmail, err := s.codec.Seal(email)
	if err != nil {
		return store.Participant{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Participant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := s.createUser(ctx, tx, username, store.RoleParticipant)
	if err != nil {
		return store.Participant{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into participants(user_id, name_enc, email_enc) values ($1,$2,$3)
	`, u.ID, sealedName, sealedEmail); err != nil {
		return store.Participant{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Participant{}, err
	}
	return store.Participant{User: u, Name: name, Email: email}, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (store.User, error) {
	var u store.User
	var role string
	err := s.db.QueryRowContext(ctx, `
		select id, username, role, created_at from users where username=$1
	`, username).Scan(&u.ID, &u.Username, &role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fault.UserDoesNotExist(username)
	}
	if err != nil {
		return store.User{}, err
	}
	u.Role = store.Role(role)
	return u, nil
}

func (s *Store) ParticipantByID(ctx context.Context, userID string) (store.Participant, error) {
	var p store.Participant
	var role string
	var nameEnc, emailEnc []byte
	err := s.db.QueryRowContext(ctx, `
		select u.id, u.username, u.role, u.created_at, p.name_enc, p.email_enc
		from users u join participants p on p.user_id = u.id
		where u.id=$1
	`, userID).Scan(&p.ID, &p.Username, &role, &p.CreatedAt, &nameEnc, &emailEnc)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Participant{}, fault.ParticipantDoesNotExist(userID)
	}
	if err != nil {
		return store.Participant{}, err
	}
	p.Role = store.Role(role)
	if p.Name, err = s.codec.Open(nameEnc); err != nil {
		return store.Participant{}, err
	}
	if p.Email, err = s.codec.Open(emailEnc); err != nil {
		return store.Participant{}, err
	}
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context) ([]store.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select u.id, u.username, u.created_at, p.name_enc, p.email_enc
		from users u join participants p on p.user_id = u.id
		order by u.created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Participant
	for rows.Next() {
		var p store.Participant
		var nameEnc, emailEnc []byte
		if err := rows.Scan(&p.ID, &p.Username, &p.CreatedAt, &nameEnc, &emailEnc); err != nil {
			return nil, err
		}
		p.Role = store.RoleParticipant
		if p.Name, err = s.codec.Open(nameEnc); err != nil {
			return nil, err
		}
		if p.Email, err = s.codec.Open(emailEnc); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteParticipant removes the role extension row; the role_cascade
// trigger deletes the base user in the same statement.
func (s *Store) DeleteParticipant(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `delete from participants where user_id=$1`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ParticipantDoesNotExist(userID)
	}
	return nil
}

func (s *Store) DeleteResearcher(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `delete from researchers where user_id=$1`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.UserDoesNotExist(userID)
	}
	return nil
}

func (s *Store) DeleteBiobanker(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `delete from biobankers where user_id=$1`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.UserDoesNotExist(userID)
	}
	return nil
}

// --- studies ---

func (s *Store) CreateStudy(ctx context.Context, st store.Study) (store.Study, error) {
	if st.ID == "" {
		st.ID = ids.New()
	}
	st.CreatedAt = time.Now().UTC()
	var ends any
	if !st.EndsAt.IsZero() {
		ends = st.EndsAt
	}
	_, err := s.db.ExecContext(ctx, `
		insert into studies(id, name, description, starts_at, ends_at, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, st.ID, st.Name, st.Description, st.StartsAt, ends, st.CreatedAt)
	if isUnique(err) {
		return store.Study{}, fault.StudyExists(st.ID)
	}
	if err != nil {
		return store.Study{}, err
	}
	return st, nil
}

func (s *Store) StudyByID(ctx context.Context, id string) (store.Study, error) {
	var st store.Study
	var ends sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, starts_at, ends_at, created_at
		from studies where id=$1
	`, id).Scan(&st.ID, &st.Name, &st.Description, &st.StartsAt, &ends, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Study{}, fault.StudyDoesNotExist(id)
	}
	if err != nil {
		return store.Study{}, err
	}
	if ends.Valid {
		st.EndsAt = ends.Time
	}
	return st, nil
}

func (s *Store) ListStudies(ctx context.Context) ([]store.Study, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, starts_at, ends_at, created_at
		from studies order by created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Study
	for rows.Next() {
		var st store.Study
		var ends sql.NullTime
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &st.StartsAt, &ends, &st.CreatedAt); err != nil {
			return nil, err
		}
		if ends.Valid {
			st.EndsAt = ends.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStudy(ctx context.Context, st store.Study) (store.Study, error) {
	var ends any
	if !st.EndsAt.IsZero() {
		ends = st.EndsAt
	}
	res, err := s.db.ExecContext(ctx, `
		update studies set name=$2, description=$3, starts_at=$4, ends_at=$5
		where id=$1
	`, st.ID, st.Name, st.Description, st.StartsAt, ends)
	if err != nil {
		return store.Study{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Study{}, fault.StudyDoesNotExist(st.ID)
	}
	return s.StudyByID(ctx, st.ID)
}

// DeleteStudy removes only the relational row. The ledger asset stays;
// recreating the study later surfaces StudyAssetExists.
func (s *Store) DeleteStudy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from studies where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.StudyDoesNotExist(id)
	}
	return nil
}

func (s *Store) AssignResearcher(ctx context.Context, studyID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into study_researchers(study_id, user_id)
		values ($1,$2) on conflict do nothing
	`, studyID, userID)
	return err
}

func (s *Store) StudiesByResearcher(ctx context.Context, userID string) ([]store.Study, error) {
	rows, err := s.db.QueryContext(ctx, `
		select s.id, s.name, s.description, s.starts_at, s.ends_at, s.created_at
		from studies s join study_researchers sr on sr.study_id = s.id
		where sr.user_id=$1
		order by s.created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Study
	for rows.Next() {
		var st store.Study
		var ends sql.NullTime
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &st.StartsAt, &ends, &st.CreatedAt); err != nil {
			return nil, err
		}
		if ends.Valid {
			st.EndsAt = ends.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- identity cards ---

func (s *Store) InsertCard(ctx context.Context, c store.Card) error {
	_, err := s.db.ExecContext(ctx, `
		insert into identity_cards(user_id, study_id, address, private_key, temp_card, cred_card, issued_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, c.UserID, c.StudyID, c.Address, c.PrivateKey, c.TempCard, c.CredCard, c.IssuedAt)
	if isUnique(err) {
		return fault.New(fault.KindInternal, http.StatusInternalServerError, "card for participant %s already issued", c.UserID)
	}
	return err
}

func (s *Store) CardsByUser(ctx context.Context, userID string) ([]store.Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, study_id, address, private_key, temp_card, cred_card, issued_at
		from identity_cards where user_id=$1
		order by issued_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Card
	for rows.Next() {
		var c store.Card
		if err := rows.Scan(&c.UserID, &c.StudyID, &c.Address, &c.PrivateKey, &c.TempCard, &c.CredCard, &c.IssuedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) OwnerOfAddress(ctx context.Context, address string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		select user_id from identity_cards where address=$1
	`, address).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// TakeTempCard returns the pending one-time card and clears it in the
// same transaction, so a second read cannot see it.
func (s *Store) TakeTempCard(ctx context.Context, userID string) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var address string
	var temp []byte
	err = tx.QueryRowContext(ctx, `
		select address, temp_card from identity_cards
		where user_id=$1 and temp_card is not null
		order by issued_at desc limit 1
		for update
	`, userID).Scan(&address, &temp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.CardNotFound(userID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		update identity_cards set temp_card = null
		where user_id=$1 and address=$2
	`, userID, address); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return temp, nil
}

func (s *Store) SaveCredCard(ctx context.Context, userID string, card []byte) error {
	res, err := s.db.ExecContext(ctx, `
		update identity_cards set cred_card=$2
		where user_id=$1 and address = (
			select address from identity_cards where user_id=$1
			order by issued_at desc limit 1
		)
	`, userID, card)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.CardNotFound(userID)
	}
	return nil
}
