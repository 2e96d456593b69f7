package history

import (
	"database/sql"
	"errors"
	"time"

	"github.com/moleq/paxpos/internal/pkg/pax"
)

// Record is one resolved transaction outcome as persisted for the POS
// transaction list.
type Record struct {
	ID              int64     `json:"id"`
	ReferenceNumber string    `json:"referenceNumber"`
	TransType       string    `json:"transType"`
	TenderType      string    `json:"tenderType"`
	Amount          int64     `json:"amount"`
	Status          string    `json:"status"`
	ResultCode      string    `json:"resultCode,omitempty"`
	AuthCode        string    `json:"authCode,omitempty"`
	Message         string    `json:"message,omitempty"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store persists transaction outcomes
type Store struct {
	Db *sql.DB
}

// NewStore used to marshall the DB connection
func NewStore(db *sql.DB) *Store {
	return &Store{
		Db: db,
	}
}

// NewRecord builds a Record from a built request and its resolved outcome.
func NewRecord(request *pax.TransactionRequest, outcome *pax.Outcome) *Record {
	status := outcome.Status
	if !outcome.Success {
		status = pax.StatusFailed
	}

	return &Record{
		ReferenceNumber: request.ECRRefNum,
		TransType:       request.TransType,
		TenderType:      request.TenderType,
		Amount:          request.Amount,
		Status:          status,
		ResultCode:      outcome.ResultCode,
		AuthCode:        outcome.AuthCode,
		Message:         outcome.Message,
		Attempts:        outcome.Attempts,
		CreatedAt:       outcome.Timestamp,
	}
}

// Save will save the transaction record to the database
func (s Store) Save(user string, record *Record) (bool, error) {
	query := `INSERT INTO
		pax_transactions
		(
			reference_number,
			trans_type,
			tender_type,
			amount,
			status,
			result_code,
			auth_code,
			message,
			attempts,
			created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) `

	stmt, err := s.Db.Prepare(query)

	if err != nil {
		return false, err
	}

	defer stmt.Close()

	_, err = stmt.Exec(
		newNullString(record.ReferenceNumber),
		newNullString(record.TransType),
		newNullString(record.TenderType),
		record.Amount,
		newNullString(record.Status),
		newNullString(record.ResultCode),
		newNullString(record.AuthCode),
		newNullString(record.Message),
		record.Attempts,
		newNullString(user),
	)

	if err != nil {
		return false, err
	}

	return true, nil
}

// GetByReference will return the most recent transaction for a reference number
func (s Store) GetByReference(reference string) (*Record, error) {
	query := `SELECT
			 id,
			 reference_number,
			 trans_type,
			 tender_type,
			 amount,
			 status,
			 result_code,
			 auth_code,
			 message,
			 attempts,
			 created_at
			FROM
				pax_transactions
			WHERE
				reference_number = ?
			ORDER BY id DESC
			LIMIT 1`

	record := new(Record)
	row := s.Db.QueryRow(query, reference)

	var resultCode, authCode, message sql.NullString

	err := row.Scan(
		&record.ID,
		&record.ReferenceNumber,
		&record.TransType,
		&record.TenderType,
		&record.Amount,
		&record.Status,
		&resultCode,
		&authCode,
		&message,
		&record.Attempts,
		&record.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errors.New("no transaction found for reference " + reference)
	}
	if err != nil {
		return nil, err
	}

	record.ResultCode = resultCode.String
	record.AuthCode = authCode.String
	record.Message = message.String

	return record, nil
}

// Recent returns the latest transactions, newest first.
func (s Store) Recent(limit int) ([]*Record, error) {
	if limit < 1 {
		limit = 50
	}

	query := `SELECT
			 id,
			 reference_number,
			 trans_type,
			 tender_type,
			 amount,
			 status,
			 result_code,
			 auth_code,
			 message,
			 attempts,
			 created_at
			FROM
				pax_transactions
			ORDER BY id DESC
			LIMIT ?`

	rows, err := s.Db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record

	for rows.Next() {
		record := new(Record)
		var resultCode, authCode, message sql.NullString

		err = rows.Scan(
			&record.ID,
			&record.ReferenceNumber,
			&record.TransType,
			&record.TenderType,
			&record.Amount,
			&record.Status,
			&resultCode,
			&authCode,
			&message,
			&record.Attempts,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		record.ResultCode = resultCode.String
		record.AuthCode = authCode.String
		record.Message = message.String

		records = append(records, record)
	}

	return records, rows.Err()
}

func newNullString(s string) sql.NullString {
	if len(s) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{
		String: s,
		Valid:  true,
	}
}
