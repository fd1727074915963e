package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/data/cryptoutil"
)

// ChannelRepo resolves notification channel configs per workspace. Signing
// secrets are stored encrypted at rest and decrypted on read.
type ChannelRepo struct {
	DB        *sql.DB
	encryptor cryptoutil.Encryptor
}

// NewChannelRepo creates a new ChannelRepo. A nil encryptor falls back to the
// pass-through used in development.
func NewChannelRepo(db *sql.DB, enc cryptoutil.Encryptor) *ChannelRepo {
	if enc == nil {
		enc = cryptoutil.NoopEncryptor{}
	}
	return &ChannelRepo{DB: db, encryptor: enc}
}

// GetByName returns the channel config, or nil when the workspace has no
// channel with that name.
func (r *ChannelRepo) GetByName(ctx context.Context, params core.ChannelLookupParams) (*core.ChannelConfig, error) {
	if params.WorkspaceID == "" || params.Name == "" {
		return nil, errors.New("workspace id and channel name are required")
	}

	cfg := &core.ChannelConfig{}
	var secret sql.NullString
	var url sql.NullString
	var to, headers []byte

	err := r.DB.QueryRowContext(ctx, `
		SELECT name, kind, url, secret, recipients, headers
		FROM channel_configs
		WHERE workspace_id = $1 AND name = $2
	`, params.WorkspaceID, params.Name).Scan(
		&cfg.Name, &cfg.Kind, &url, &secret, &to, &headers,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel config: %w", err)
	}

	cfg.URL = url.String
	if len(to) > 0 {
		if err := json.Unmarshal(to, &cfg.To); err != nil {
			return nil, fmt.Errorf("decode channel recipients: %w", err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &cfg.Headers); err != nil {
			return nil, fmt.Errorf("decode channel headers: %w", err)
		}
	}
	if secret.Valid && secret.String != "" {
		plaintext, decErr := r.encryptor.Decrypt(secret.String)
		if decErr != nil {
			return nil, fmt.Errorf("decrypt channel secret: %w", decErr)
		}
		cfg.Secret = string(plaintext)
	}
	return cfg, nil
}
