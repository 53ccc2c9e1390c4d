package api

import (
	"context"

	"github.com/vdavid/aliasmail/internal/alias"
	"github.com/vdavid/aliasmail/internal/engine"
	"github.com/vdavid/aliasmail/internal/fanout"
	"github.com/vdavid/aliasmail/internal/ingest"
	"github.com/vdavid/aliasmail/internal/models"
)

// Engine is what the HTTP surface needs from the engine.
type Engine interface {
	GenerateAlias(ctx context.Context, owner string, strategy models.AliasStrategy, domain string) (models.Alias, error)
	RotateAlias(ctx context.Context, owner string) (models.Alias, error)
	ResolveAlias(ctx context.Context, owner, address string) (alias.Resolution, error)
	OwnedAlias(owner, address string) (models.Alias, error)
	GetMessages(address string) ([]models.Message, error)
	SubscribeWith(owner, address string, sub fanout.Subscriber) error
	Unsubscribe(sub fanout.Subscriber)

	RegisterAccount(ctx context.Context, address, credential, server string) (*models.Account, error)
	SetAccountStatus(ctx context.Context, id string, status models.AccountStatus, credential string) error
	PollAccount(ctx context.Context, id string) error
	Accounts() []models.Account
	Aliases() []models.Alias
	Retrieval() []ingest.AccountRetrieval
	Stats() engine.Stats
}

var _ Engine = (*engine.Engine)(nil)
