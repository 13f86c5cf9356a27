package database

import (
	"context"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"github.com/oncelink/oncelink/internal/model"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	token:<value>          hash holding the access token record
//	subject:<id>           hash holding the subject record
//	subject:email:<email>  email index pointing to the subject id
//	subject:<id>:tokens    set of token values issued to the subject
//
// Token keys carry an EXPIREAT of expires_at+retention so Redis enforces the
// retention policy natively and the sweep is a no-op for this driver.
type rds struct {
	rdb       *redis.Client
	ctx       context.Context
	retention time.Duration
}

// redeemLua performs the conditional update of redemption. EVAL executes
// atomically on the Redis side, which is the serialization point for
// concurrent redemption attempts.
const redeemLua = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return "missing"
end
local redeemed = redis.call("HGET", KEYS[1], "redeemed_at")
if redeemed and redeemed ~= "" then
  return "used"
end
redis.call("HSET", KEYS[1], "redeemed_at", ARGV[1], "updated_at", ARGV[1])
return "ok"
`

// RedisOpen returns a new Redis database connection.
func RedisOpen(addr, password string, db int, retention time.Duration) (Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "could not get database connection")
	}

	return RedisWithClient(rdb, retention), nil
}

// RedisWithClient wraps an existing Redis client. Used for tests.
func RedisWithClient(rdb *redis.Client, retention time.Duration) Client {
	return &rds{
		rdb:       rdb,
		ctx:       context.Background(),
		retention: retention,
	}
}

// Save inserts or updates the entry in database with the given model.
func (c *rds) Save(m model.Model) error {
	t := time.Now().UTC()
	m.SetUpdatedAt(t)

	insert := m.GetID() == ""
	if insert {
		m.SetID(uuid.Must(uuid.NewV4()).String())
		m.SetCreatedAt(t)
	}

	switch m := m.(type) {
	case *model.AccessToken:
		return c.saveToken(m)
	case *model.Subject:
		return c.saveSubject(m, insert)
	default:
		return errors.Errorf("unsupported model %T", m)
	}
}

func (c *rds) saveToken(at *model.AccessToken) error {
	key := tokenKey(at.Token)

	// The token value is the primary key; HSETNX on the id field is the
	// unique constraint. The guard runs on every save so a retried insert
	// with a fresh token value still collides against a foreign record.
	ok, err := c.rdb.HSetNX(c.ctx, key, "id", at.ID).Result()
	if err != nil {
		return errors.Wrap(err, "could not save the model")
	}
	if !ok {
		owner, err := c.rdb.HGet(c.ctx, key, "id").Result()
		if err != nil {
			return errors.Wrap(err, "could not save the model")
		}
		if owner != at.ID {
			return errors.Wrap(ErrAlreadyExists, "token value collision")
		}
	}

	err = c.rdb.HSet(c.ctx, key, tokenFields(at)).Err()
	if err != nil {
		return errors.Wrap(err, "could not save the model")
	}

	if err = c.rdb.SAdd(c.ctx, subjectTokensKey(at.SubjectID), at.Token).Err(); err != nil {
		return errors.Wrap(err, "could not index token by subject")
	}

	err = c.rdb.ExpireAt(c.ctx, key, at.ExpiresAt.Add(c.retention)).Err()
	return errors.Wrap(err, "could not set token retention")
}

func (c *rds) saveSubject(subject *model.Subject, insert bool) error {
	if insert {
		ok, err := c.rdb.SetNX(c.ctx, subjectEmailKey(subject.Email), subject.ID, 0).Result()
		if err != nil {
			return errors.Wrap(err, "could not save the model")
		}
		if !ok {
			return errors.Wrap(ErrAlreadyExists, "subject email collision")
		}
	}

	err := c.rdb.HSet(c.ctx, subjectKey(subject.ID), subjectFields(subject)).Err()
	return errors.Wrap(err, "could not save the model")
}

// Delete deletes the entry in database with the given model.
func (c *rds) Delete(m model.Model) error {
	switch m := m.(type) {
	case *model.AccessToken:
		if err := c.rdb.SRem(c.ctx, subjectTokensKey(m.SubjectID), m.Token).Err(); err != nil {
			return errors.Wrap(err, "could not unindex token")
		}
		return errors.Wrap(c.rdb.Del(c.ctx, tokenKey(m.Token)).Err(), "could not delete the model")
	case *model.Subject:
		if err := c.rdb.Del(c.ctx, subjectEmailKey(m.Email)).Err(); err != nil {
			return errors.Wrap(err, "could not unindex subject")
		}
		return errors.Wrap(c.rdb.Del(c.ctx, subjectKey(m.ID)).Err(), "could not delete the model")
	default:
		return errors.Errorf("unsupported model %T", m)
	}
}

// Close the database.
func (c *rds) Close() error {
	return c.rdb.Close()
}

// IsNotFound returns true if err is a not found error.
func (c *rds) IsNotFound(err error) bool {
	return errors.Cause(err) == redis.Nil
}

// IsAlreadyExists returns true if err is a unique constraint violation.
func (c *rds) IsAlreadyExists(err error) bool {
	return errors.Cause(err) == ErrAlreadyExists
}

// FindToken returns the access token record for the given token value.
func (c *rds) FindToken(token string) (*model.AccessToken, error) {
	fields, err := c.rdb.HGetAll(c.ctx, tokenKey(token)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "find access token")
	}
	if len(fields) == 0 {
		return nil, errors.Wrap(redis.Nil, "find access token")
	}
	return parseToken(token, fields)
}

// FindTokensBySubject returns all token records issued to the given subject.
// Members whose token key already hit its retention expiry are pruned lazily.
func (c *rds) FindTokensBySubject(subjectID string) ([]*model.AccessToken, error) {
	values, err := c.rdb.SMembers(c.ctx, subjectTokensKey(subjectID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "could not find access tokens by subject")
	}

	tokens := make([]*model.AccessToken, 0, len(values))
	for _, value := range values {
		at, err := c.FindToken(value)
		if err != nil {
			if c.IsNotFound(err) {
				_ = c.rdb.SRem(c.ctx, subjectTokensKey(subjectID), value).Err()
				continue
			}
			return nil, err
		}
		tokens = append(tokens, at)
	}
	return tokens, nil
}

// RedeemToken marks the token as redeemed at the given instant.
func (c *rds) RedeemToken(token string, now time.Time) (*model.AccessToken, error) {
	state, err := c.rdb.Eval(c.ctx, redeemLua, []string{tokenKey(token)}, now.UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return nil, errors.Wrap(err, "could not redeem token")
	}

	switch state {
	case "missing":
		return nil, errors.Wrap(redis.Nil, "find access token")
	case "used":
		return nil, ErrAlreadyRedeemed
	}

	return c.FindToken(token)
}

// RevokeStaleTokens is a no-op for Redis: token keys expire by themselves at
// expires_at+retention.
func (c *rds) RevokeStaleTokens(time.Time) (int, error) {
	return 0, nil
}

// FindSubject returns the subject for the given id (UUID).
func (c *rds) FindSubject(id string) (*model.Subject, error) {
	fields, err := c.rdb.HGetAll(c.ctx, subjectKey(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "find subject by id")
	}
	if len(fields) == 0 {
		return nil, errors.Wrap(redis.Nil, "find subject by id")
	}
	return parseSubject(fields)
}

// FindSubjectByEmail returns the subject for the given email.
func (c *rds) FindSubjectByEmail(email string) (*model.Subject, error) {
	id, err := c.rdb.Get(c.ctx, subjectEmailKey(email)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "find subject by email")
	}
	return c.FindSubject(id)
}

//
// Key builders & codecs
//

func tokenKey(token string) string {
	return "token:" + token
}

func subjectKey(id string) string {
	return "subject:" + id
}

func subjectEmailKey(email string) string {
	return "subject:email:" + email
}

func subjectTokensKey(subjectID string) string {
	return "subject:" + subjectID + ":tokens"
}

func tokenFields(at *model.AccessToken) map[string]any {
	redeemed := ""
	if at.RedeemedAt != nil {
		redeemed = at.RedeemedAt.UTC().Format(time.RFC3339Nano)
	}

	return map[string]any{
		"id":           at.ID,
		"subject_id":   at.SubjectID,
		"resource_ref": at.ResourceRef,
		"issued_at":    at.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":   at.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"redeemed_at":  redeemed,
		"created_at":   at.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   at.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseToken(token string, fields map[string]string) (*model.AccessToken, error) {
	at := model.AccessToken{
		Token:       token,
		SubjectID:   fields["subject_id"],
		ResourceRef: fields["resource_ref"],
	}
	at.ID = fields["id"]

	var err error
	if at.IssuedAt, err = time.Parse(time.RFC3339Nano, fields["issued_at"]); err != nil {
		return nil, errors.Wrap(err, "corrupted issued_at")
	}
	if at.ExpiresAt, err = time.Parse(time.RFC3339Nano, fields["expires_at"]); err != nil {
		return nil, errors.Wrap(err, "corrupted expires_at")
	}
	if redeemed := fields["redeemed_at"]; redeemed != "" {
		t, err := time.Parse(time.RFC3339Nano, redeemed)
		if err != nil {
			return nil, errors.Wrap(err, "corrupted redeemed_at")
		}
		at.RedeemedAt = &t
	}

	if created, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		at.CreatedAt = &created
	}
	if updated, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		at.UpdatedAt = &updated
	}

	return &at, nil
}

func subjectFields(subject *model.Subject) map[string]any {
	active := "0"
	if subject.Active {
		active = "1"
	}

	return map[string]any{
		"id":         subject.ID,
		"email":      subject.Email,
		"active":     active,
		"created_at": subject.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": subject.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseSubject(fields map[string]string) (*model.Subject, error) {
	subject := model.Subject{
		Email: fields["email"],
	}
	subject.ID = fields["id"]

	active, err := strconv.Atoi(fields["active"])
	if err != nil {
		return nil, errors.Wrap(err, "corrupted active flag")
	}
	subject.Active = active == 1

	if created, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		subject.CreatedAt = &created
	}
	if updated, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		subject.UpdatedAt = &updated
	}

	return &subject, nil
}
