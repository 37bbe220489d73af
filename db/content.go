package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
)

// Tables in this file mirror the host content system. The federation core only reads them;
// the write helpers exist for the events endpoint and for seeding.

const (
	userColumns = `id, login, display_name, bio, avatar_url, profile_url, can_publish, fields_json, created_at`

	sqlUpsertUser = `INSERT INTO users(` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login = excluded.login,
			display_name = excluded.display_name,
			bio = excluded.bio,
			avatar_url = excluded.avatar_url,
			profile_url = excluded.profile_url,
			can_publish = excluded.can_publish,
			fields_json = excluded.fields_json`
	sqlSelectUserById    = `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	sqlSelectUserByLogin = `SELECT ` + userColumns + ` FROM users WHERE login = ?`
	sqlSelectUsers       = `SELECT ` + userColumns + ` FROM users ORDER BY id`
	sqlDeleteUser        = `DELETE FROM users WHERE id = ?`

	contentColumns = `id, author_id, kind, format, status, title, body, body_format, excerpt, permalink, shortlink,
		tags_json, visibility, content_warning, locale, thumbnail_id, enclosures_json, published, modified`

	sqlUpsertContentItem = `INSERT INTO content_items(` + contentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			author_id = excluded.author_id,
			kind = excluded.kind,
			format = excluded.format,
			status = excluded.status,
			title = excluded.title,
			body = excluded.body,
			body_format = excluded.body_format,
			excerpt = excluded.excerpt,
			permalink = excluded.permalink,
			shortlink = excluded.shortlink,
			tags_json = excluded.tags_json,
			visibility = excluded.visibility,
			content_warning = excluded.content_warning,
			locale = excluded.locale,
			thumbnail_id = excluded.thumbnail_id,
			enclosures_json = excluded.enclosures_json,
			published = excluded.published,
			modified = excluded.modified`
	sqlSelectContentItem = `SELECT ` + contentColumns + ` FROM content_items WHERE id = ?`
	sqlDeleteContentItem = `DELETE FROM content_items WHERE id = ?`

	mediaColumns = `id, url, media_type, alt, title, width, height`

	sqlUpsertMedia = `INSERT INTO media(` + mediaColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			media_type = excluded.media_type,
			alt = excluded.alt,
			title = excluded.title,
			width = excluded.width,
			height = excluded.height`
	sqlSelectMediaById  = `SELECT ` + mediaColumns + ` FROM media WHERE id = ?`
	sqlSelectMediaByURL = `SELECT ` + mediaColumns + ` FROM media WHERE url = ?`
)

func (db *DB) UpsertUser(ctx context.Context, u *domain.User) error {
	fields, err := json.MarshalToString(u.Fields)
	if err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err = db.execAffected(ctx, sqlUpsertUser, u.Id, u.Login, u.DisplayName, u.Bio, u.AvatarURL,
		u.ProfileURL, boolToInt(u.CanPublish), fields, toMillis(u.CreatedAt))
	return err
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	var canPublish int
	var fields string
	var created int64
	if err := row.Scan(&u.Id, &u.Login, &u.DisplayName, &u.Bio, &u.AvatarURL, &u.ProfileURL,
		&canPublish, &fields, &created); err != nil {
		return nil, err
	}
	u.CanPublish = canPublish != 0
	u.CreatedAt = fromMillis(created)
	if err := json.UnmarshalFromString(fields, &u.Fields); err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) ReadUser(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(db.db.QueryRowContext(ctx, sqlSelectUserById, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("user %d", id)
	}
	return u, err
}

func (db *DB) ReadUserByLogin(ctx context.Context, login string) (*domain.User, error) {
	u, err := scanUser(db.db.QueryRowContext(ctx, sqlSelectUserByLogin, login))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("user %s", login)
	}
	return u, err
}

func (db *DB) ReadUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	_, err := db.execAffected(ctx, sqlDeleteUser, id)
	return err
}

func (db *DB) UpsertContentItem(ctx context.Context, c *domain.ContentItem) error {
	tags, err := json.MarshalToString(c.Tags)
	if err != nil {
		return err
	}
	enclosures, err := json.MarshalToString(c.Enclosures)
	if err != nil {
		return err
	}
	_, err = db.execAffected(ctx, sqlUpsertContentItem, c.Id, c.AuthorId, string(c.Kind), c.Format,
		string(c.Status), c.Title, c.Body, c.BodyFormat, c.Excerpt, c.Permalink, c.Shortlink, tags,
		string(c.Visibility), c.ContentWarning, c.Locale, c.ThumbnailId, enclosures,
		toMillis(c.Published), toMillis(c.Modified))
	return err
}

func (db *DB) ReadContentItem(ctx context.Context, id int64) (*domain.ContentItem, error) {
	var c domain.ContentItem
	var kind, status, visibility, tags, enclosures string
	var published, modified int64
	err := db.db.QueryRowContext(ctx, sqlSelectContentItem, id).Scan(&c.Id, &c.AuthorId, &kind, &c.Format,
		&status, &c.Title, &c.Body, &c.BodyFormat, &c.Excerpt, &c.Permalink, &c.Shortlink, &tags,
		&visibility, &c.ContentWarning, &c.Locale, &c.ThumbnailId, &enclosures, &published, &modified)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("content item %d", id)
	}
	if err != nil {
		return nil, err
	}
	c.Kind = domain.ContentKind(kind)
	c.Status = domain.ContentStatus(status)
	c.Visibility = domain.Visibility(visibility)
	c.Published = fromMillis(published)
	c.Modified = fromMillis(modified)
	if err := json.UnmarshalFromString(tags, &c.Tags); err != nil {
		return nil, err
	}
	if err := json.UnmarshalFromString(enclosures, &c.Enclosures); err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) DeleteContentItem(ctx context.Context, id int64) error {
	_, err := db.execAffected(ctx, sqlDeleteContentItem, id)
	return err
}

func (db *DB) UpsertMedia(ctx context.Context, m *domain.Media) error {
	_, err := db.execAffected(ctx, sqlUpsertMedia, m.Id, m.URL, m.MediaType, m.Alt, m.Title, m.Width, m.Height)
	return err
}

func (db *DB) readMedia(ctx context.Context, query string, arg interface{}) (*domain.Media, error) {
	var m domain.Media
	err := db.db.QueryRowContext(ctx, query, arg).Scan(&m.Id, &m.URL, &m.MediaType, &m.Alt, &m.Title, &m.Width, &m.Height)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("media %v", arg)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (db *DB) ReadMedia(ctx context.Context, id int64) (*domain.Media, error) {
	return db.readMedia(ctx, sqlSelectMediaById, id)
}

func (db *DB) ReadMediaByURL(ctx context.Context, url string) (*domain.Media, error) {
	return db.readMedia(ctx, sqlSelectMediaByURL, url)
}
