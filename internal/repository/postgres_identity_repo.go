package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/iamcore/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したIdentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// Create はIdentityを作成し、採番したIDをidentity.IDに設定する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO identities (uid, display_name, email)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		identity.UID, identity.DisplayName, identity.Email,
	).Scan(&identity.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to create identity %q: %w", identity.UID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// Search は条件に一致するIdentityをID順に返す。
// displayNameとemailは大文字小文字を区別しない部分一致、uidは大文字小文字を区別しない完全一致。
func (r *PostgresIdentityRepo) Search(ctx context.Context, criteria model.IdentityCriteria) ([]*model.Identity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, uid, display_name, email
		 FROM identities
		 WHERE ($1::text = '' OR display_name ILIKE '%' || $1 || '%' ESCAPE '\')
		   AND ($2::text = '' OR LOWER(uid) = LOWER($2))
		   AND ($3::text = '' OR email ILIKE '%' || $3 || '%' ESCAPE '\')
		 ORDER BY id`,
		escapeLike(criteria.DisplayName), criteria.UID, escapeLike(criteria.Email),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search identities: %w", err)
	}
	defer rows.Close()

	identities := []*model.Identity{}
	for rows.Next() {
		identity := &model.Identity{}
		if err := rows.Scan(&identity.ID, &identity.UID, &identity.DisplayName, &identity.Email); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}
	return identities, nil
}

// Update はfromのUIDで特定したIdentityの表示名とメールアドレスを更新する。
func (r *PostgresIdentityRepo) Update(ctx context.Context, from, to *model.Identity) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities
		 SET display_name = $1, email = $2, updated_at = now()
		 WHERE LOWER(uid) = LOWER($3)`,
		to.DisplayName, to.Email, from.UID,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update identity %q: %w", from.UID, ErrNotFound)
	}
	return nil
}

// Delete はUIDで特定したIdentityを削除する。
// credentialsはON DELETE CASCADEで連動して削除される。
func (r *PostgresIdentityRepo) Delete(ctx context.Context, identity *model.Identity) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM identities WHERE LOWER(uid) = LOWER($1)`,
		identity.UID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete identity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// FindByUID はUIDでIdentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByUID(ctx context.Context, uid string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT id, uid, display_name, email FROM identities WHERE LOWER(uid) = LOWER($1)`,
		uid,
	)
}

// FindByID は内部IDでIdentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id int64) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT id, uid, display_name, email FROM identities WHERE id = $1`,
		id,
	)
}

func (r *PostgresIdentityRepo) findOne(ctx context.Context, query string, arg any) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&identity.ID, &identity.UID, &identity.DisplayName, &identity.Email)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// escapeLike はLIKE/ILIKEのワイルドカード文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
