package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/emilythestrangee/vote-ledger/backend/internal/database"
	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
)

// Postgres keeps each user and post in one row, with vote lists and owned
// post ids as JSONB arrays. A BulkWrite runs as one transaction touching only
// the target row.
type Postgres struct {
	svc database.Service
	db  *gorm.DB
}

func NewPostgres(svc database.Service) *Postgres {
	return &Postgres{svc: svc, db: svc.GetDB()}
}

var profileColumns = []string{
	"id", "username", "username_lower", "password_hash", "email", "gender", "birthday", "created_at",
}

func (p *Postgres) NewID() string { return uuid.NewString() }

func (p *Postgres) NormalizeID(raw string) (string, error) { return normalizeUUID(raw) }

func (p *Postgres) FindUsers(ctx context.Context, ids []string, proj Projection) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := p.db.WithContext(ctx).Where("id IN ?", ids)
	if proj == ProjectProfile {
		q = q.Select(profileColumns)
	}
	var users []models.User
	if err := q.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	return users, nil
}

func (p *Postgres) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := p.db.WithContext(ctx).Where("username_lower = ?", strings.ToLower(username)).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user by username: %w", err)
	}
	return &u, nil
}

func (p *Postgres) InsertUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = p.NewID()
	}
	u.UsernameLower = strings.ToLower(u.Username)
	if u.PostIDs == nil {
		u.PostIDs = []string{}
	}
	if u.Upvotes == nil {
		u.Upvotes = models.VoteList{}
	}
	if u.Downvotes == nil {
		u.Downvotes = models.VoteList{}
	}
	if err := p.db.WithContext(ctx).Create(u).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) FindPosts(ctx context.Context, ids []string) ([]models.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var posts []models.Post
	if err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("find posts: %w", err)
	}
	return posts, nil
}

func (p *Postgres) postScope(q PostQuery) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if q.PosterID != "" {
			db = db.Where("poster_id = ?", q.PosterID)
		}
		return db
	}
}

func (p *Postgres) ListPosts(ctx context.Context, q PostQuery) ([]models.Post, error) {
	posts := []models.Post{}
	err := p.db.WithContext(ctx).
		Scopes(p.postScope(q)).
		Order("posted_at desc, id desc").
		Offset(max(q.Offset, 0)).
		Limit(clampLimit(q.Limit)).
		Find(&posts).Error
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

func (p *Postgres) CountPosts(ctx context.Context, q PostQuery) (int64, error) {
	var n int64
	if err := p.db.WithContext(ctx).Model(&models.Post{}).Scopes(p.postScope(q)).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

func (p *Postgres) InsertPost(ctx context.Context, post *models.Post) error {
	if post.ID == "" {
		post.ID = p.NewID()
	}
	if post.Upvotes == nil {
		post.Upvotes = models.VoteList{}
	}
	if post.Downvotes == nil {
		post.Downvotes = models.VoteList{}
	}
	if err := p.db.WithContext(ctx).Create(post).Error; err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// pullExpr rebuilds list without the records whose match field equals the
// bound value, preserving order.
func pullExpr(list, match string) string {
	return fmt.Sprintf(
		"COALESCE((SELECT jsonb_agg(e ORDER BY i) FROM jsonb_array_elements(%s) WITH ORDINALITY AS t(e, i) WHERE e->>'%s' <> ?), '[]'::jsonb)",
		list, match,
	)
}

func (p *Postgres) BulkWrite(ctx context.Context, coll Collection, id string, ops []Op) error {
	if err := validateOps(coll, ops); err != nil {
		return err
	}
	table := string(coll)
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(ops) == 0 {
			var n int64
			if err := tx.Table(table).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			return nil
		}
		for _, op := range ops {
			row := tx.Table(table).Where("id = ?", id)
			var res *gorm.DB
			switch op.Kind {
			case OpPull:
				res = row.UpdateColumn(op.List, gorm.Expr(pullExpr(op.List, op.Match), op.Value))
			case OpPush:
				res = row.UpdateColumn(op.List, gorm.Expr(
					op.List+" || jsonb_build_array(jsonb_build_object('user', ?::text, 'post', ?::text))",
					op.Record.User, op.Record.Post,
				))
			case OpInc:
				res = row.UpdateColumn(op.Counter, gorm.Expr(op.Counter+" + ?", op.Delta))
			case OpSyncCounters:
				res = row.UpdateColumns(map[string]interface{}{
					models.FieldUp:   gorm.Expr("jsonb_array_length(upvotes)"),
					models.FieldDown: gorm.Expr("jsonb_array_length(downvotes)"),
				})
			case OpAppendPostID:
				res = row.UpdateColumn("post_ids", gorm.Expr("post_ids || jsonb_build_array(?::text)", op.Value))
			}
			if res.Error != nil {
				return fmt.Errorf("bulk write %s %s: %w", table, id, res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrNotFound
			}
		}
		return nil
	})
}

func (p *Postgres) FindDriftedPosts(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	q := p.db.WithContext(ctx).Model(&models.Post{}).
		Where("up <> jsonb_array_length(upvotes) OR down <> jsonb_array_length(downvotes)").
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("find drifted posts: %w", err)
	}
	return ids, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Health exposes the pool statistics of the underlying connection.
func (p *Postgres) Health() map[string]string { return p.svc.Health() }

func (p *Postgres) Close(context.Context) error { return p.svc.Close() }
