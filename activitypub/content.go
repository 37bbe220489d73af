package activitypub

import (
	"context"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
)

// ContentProvider is how the federation core reads the host content system.
type ContentProvider interface {
	User(ctx context.Context, id int64) (*domain.User, error)
	UserByLogin(ctx context.Context, login string) (*domain.User, error)
	Users(ctx context.Context) ([]domain.User, error)
	Item(ctx context.Context, id int64) (*domain.ContentItem, error)
	Media(ctx context.Context, id int64) (*domain.Media, error)
	MediaByURL(ctx context.Context, url string) (*domain.Media, error)
}

// dbContent serves content from the mirror tables of the local database.
type dbContent struct {
	db *db.DB
}

func NewDBContentProvider(database *db.DB) ContentProvider {
	return &dbContent{db: database}
}

func (c *dbContent) User(ctx context.Context, id int64) (*domain.User, error) {
	return c.db.ReadUser(ctx, id)
}

func (c *dbContent) UserByLogin(ctx context.Context, login string) (*domain.User, error) {
	return c.db.ReadUserByLogin(ctx, login)
}

func (c *dbContent) Users(ctx context.Context) ([]domain.User, error) {
	return c.db.ReadUsers(ctx)
}

func (c *dbContent) Item(ctx context.Context, id int64) (*domain.ContentItem, error) {
	return c.db.ReadContentItem(ctx, id)
}

func (c *dbContent) Media(ctx context.Context, id int64) (*domain.Media, error) {
	return c.db.ReadMedia(ctx, id)
}

func (c *dbContent) MediaByURL(ctx context.Context, url string) (*domain.Media, error) {
	return c.db.ReadMediaByURL(ctx, url)
}
