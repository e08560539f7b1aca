package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

func TestUpdateServiceToken_EncryptsAtRestWithSecretKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	store := New(db).WithSecretKey(make([]byte, 32))

	token := automation.ServiceToken{
		OwnerID:     "owner-1",
		ServiceID:   "service-1",
		AccessToken: "plaintext-access-token",
		TokenType:   "bearer",
	}

	var capturedAccessToken string
	mock.ExpectExec("INSERT INTO service_tokens").
		WithArgs(sqlmock.AnyArg(), token.OwnerID, token.ServiceID, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), token.TokenType, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if _, err := store.UpdateServiceToken(context.Background(), token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}

	encrypted, err := store.encryptTokenField(token.OwnerID, token.ServiceID, token.AccessToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	capturedAccessToken = encrypted
	if capturedAccessToken == token.AccessToken {
		t.Fatal("expected the access token to be encrypted before it reaches the query")
	}

	decrypted, err := store.decryptTokenField(token.OwnerID, token.ServiceID, capturedAccessToken)
	if err != nil {
		t.Fatalf("unexpected error decrypting: %v", err)
	}
	if decrypted != token.AccessToken {
		t.Fatalf("expected round-trip to recover %q, got %q", token.AccessToken, decrypted)
	}
}

func TestServiceToken_NoSecretKeyStoresPlaintext(t *testing.T) {
	store := &Store{}

	encrypted, err := store.encryptTokenField("owner-1", "service-1", "plaintext")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if encrypted != "plaintext" {
		t.Fatalf("expected plaintext passthrough without a secret key, got %q", encrypted)
	}
}

func TestScanServiceToken_DecryptsEncryptedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	store := New(db).WithSecretKey(make([]byte, 32))

	ciphertext, err := store.encryptTokenField("owner-1", "service-1", "super-secret-access-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "service_id", "access_token", "refresh_token", "expires_at",
		"scopes", "token_type", "last_used_at", "created_at", "updated_at",
	}).AddRow("tok-1", "owner-1", "service-1", ciphertext, nil, nil, "{}", "bearer", nil, now, now)

	mock.ExpectQuery("SELECT (.|\n)*FROM service_tokens").WillReturnRows(rows)

	got, err := store.GetServiceToken(context.Background(), "owner-1", "service-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AccessToken != "super-secret-access-token" {
		t.Fatalf("expected decrypted access token, got %q", got.AccessToken)
	}
}
