package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/iamcore/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したCredentialリポジトリ。
// UIDはidentitiesテーブルとの結合で取得するため、credentialsテーブルには保持しない。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

const selectCredentials = `SELECT c.id, c.user_name, c.password_hash, c.identity_id, i.uid
	 FROM credentials c
	 JOIN identities i ON i.id = c.identity_id`

// Create はCredentialを作成し、採番したIDをcredential.IDに設定する。
func (r *PostgresCredentialRepo) Create(ctx context.Context, credential *model.Credential) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO credentials (user_name, password_hash, identity_id)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		credential.UserName, credential.PasswordHash, credential.IdentityRef,
	).Scan(&credential.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to create credential %q: %w", credential.UserName, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// Search は条件に一致するCredentialをID順に返す。
// userNameは大文字小文字を区別する部分一致、identityRefは完全一致。
func (r *PostgresCredentialRepo) Search(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error) {
	return r.query(ctx,
		selectCredentials+`
		 WHERE ($1::text = '' OR c.user_name LIKE '%' || $1 || '%' ESCAPE '\')
		   AND ($2::bigint = 0 OR c.identity_id = $2)
		 ORDER BY c.id`,
		escapeLike(criteria.UserName), criteria.IdentityRef,
	)
}

// Update はfromのIdentityRefで特定したCredentialを更新する。
// to.PasswordHashが空の場合は既存のハッシュを維持する。
func (r *PostgresCredentialRepo) Update(ctx context.Context, from, to *model.Credential) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE credentials
		 SET user_name = $1,
		     password_hash = COALESCE(NULLIF($2, ''), password_hash),
		     updated_at = now()
		 WHERE identity_id = $3`,
		to.UserName, to.PasswordHash, from.IdentityRef,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to update credential %q: %w", to.UserName, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update credential for identity %d: %w", from.IdentityRef, ErrNotFound)
	}
	return nil
}

// Delete はCredentialを削除する。IdentityRefが0の場合はUIDで対象を特定する。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, credential *model.Credential) (bool, error) {
	if credential.IdentityRef == 0 {
		return r.DeleteByUID(ctx, credential.UID)
	}
	return r.exec(ctx,
		`DELETE FROM credentials WHERE identity_id = $1`,
		credential.IdentityRef,
	)
}

// DeleteByUID は所有IdentityのUIDでCredentialを削除する。
func (r *PostgresCredentialRepo) DeleteByUID(ctx context.Context, uid string) (bool, error) {
	return r.exec(ctx,
		`DELETE FROM credentials
		 WHERE identity_id IN (SELECT id FROM identities WHERE LOWER(uid) = LOWER($1))`,
		uid,
	)
}

// FindByIdentityRef はIdentityRefでCredentialを取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByIdentityRef(ctx context.Context, identityRef int64) (*model.Credential, error) {
	credentials, err := r.query(ctx, selectCredentials+` WHERE c.identity_id = $1`, identityRef)
	if err != nil {
		return nil, err
	}
	if len(credentials) == 0 {
		return nil, nil
	}
	return credentials[0], nil
}

// FindByUserName はユーザー名が完全一致するCredentialを返す。
func (r *PostgresCredentialRepo) FindByUserName(ctx context.Context, userName string) ([]*model.Credential, error) {
	return r.query(ctx, selectCredentials+` WHERE c.user_name = $1 ORDER BY c.id`, userName)
}

func (r *PostgresCredentialRepo) query(ctx context.Context, query string, args ...any) ([]*model.Credential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	credentials := []*model.Credential{}
	for rows.Next() {
		c := &model.Credential{}
		if err := rows.Scan(&c.ID, &c.UserName, &c.PasswordHash, &c.IdentityRef, &c.UID); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		credentials = append(credentials, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return credentials, nil
}

func (r *PostgresCredentialRepo) exec(ctx context.Context, query string, arg any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, arg)
	if err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
