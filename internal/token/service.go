package token

import (
	"time"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
)

// DefaultTTLDays is the fallback token lifetime when expires_in_days is
// omitted on Create (spec §4.2).
const DefaultTTLDays = 365

// GossipPublisher lets the token service fan out mutation events without
// depending on the cluster package directly, avoiding an import cycle
// (cluster applies gossip to this service's Store).
type GossipPublisher interface {
	PublishTokenCreated(*model.ApiToken)
	PublishTokenRevoked(model.TokenID)
}

// Service is the token subsystem's entry point: create, validate, revoke,
// delete, list, touch-on-use.
type Service struct {
	store      *Store
	secret     []byte
	nodeID     model.NodeID
	defaultTTL int
	gossip     GossipPublisher
	log        *zap.SugaredLogger
}

// NewService constructs a token Service. gossip may be nil (no
// replication, e.g. in tests or a single-node deployment).
func NewService(store *Store, secret []byte, nodeID model.NodeID, defaultTTLDays int, gossip GossipPublisher, log *zap.SugaredLogger) *Service {
	if defaultTTLDays <= 0 {
		defaultTTLDays = DefaultTTLDays
	}
	return &Service{
		store:      store,
		secret:     secret,
		nodeID:     nodeID,
		defaultTTL: defaultTTLDays,
		gossip:     gossip,
		log:        logging.Component(log, "token-service"),
	}
}

// SetGossip attaches the gossip publisher after construction, breaking the
// Service/Runtime construction cycle (the cluster Runtime that implements
// GossipPublisher needs a *Service to build its token applier).
func (s *Service) SetGossip(gossip GossipPublisher) {
	s.gossip = gossip
}

// Create issues a freshly-minted token, returning the display string
// (shown exactly once) and the persisted record.
func (s *Service) Create(name string, expiresInDays *int, rateLimit *uint32) (string, *model.ApiToken, error) {
	display, hash, err := issue(s.secret)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	ttlDays := s.defaultTTL
	if expiresInDays != nil {
		ttlDays = *expiresInDays
	}

	var expiresAt *time.Time
	if ttlDays > 0 {
		t := now.AddDate(0, 0, ttlDays)
		expiresAt = &t
	}

	rec := &model.ApiToken{
		ID:            model.NewTokenID(),
		Name:          name,
		TokenHash:     hash,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		CreatedByNode: s.nodeID,
		RateLimit:     rateLimit,
	}

	if err := s.store.Put(rec); err != nil {
		return "", nil, err
	}

	if s.gossip != nil {
		s.gossip.PublishTokenCreated(rec)
	}

	return display, rec, nil
}

// Validate verifies a raw bearer token string, returning its record if
// valid. Returns (nil, false, nil) for an unknown or invalid token — never
// an error for a bad guess, per spec §8 ("for all raw strings not produced
// by the issuer, validation returns none").
func (s *Service) Validate(displayed string) (*model.ApiToken, bool, error) {
	hash := Hash(displayed, s.secret)
	rec, found, err := s.store.GetByHash(hash)
	if err != nil {
		return nil, false, err
	}
	if !found || !rec.IsValid(time.Now()) {
		return nil, false, nil
	}

	s.touchAsync(rec.ID)
	return rec, true, nil
}

// touchAsync updates last_used_at as a fire-and-forget write so
// authentication latency is unaffected (spec §4.2).
func (s *Service) touchAsync(id model.TokenID) {
	go func() {
		rec, found, err := s.store.Get(id)
		if err != nil || !found {
			return
		}
		now := time.Now()
		rec.LastUsedAt = &now
		if err := s.store.Put(rec); err != nil {
			s.log.Debugw("touch-on-use write failed", "token_id", id, "error", err)
		}
	}()
}

// Revoke marks a record revoked and updates last_used_at; the hash index
// entry is retained so validation still finds (and rejects) the record
// (spec §4.2).
func (s *Service) Revoke(id model.TokenID) error {
	rec, found, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return ierrors.WithKind(ierrors.Newf("token %s not found", id), ierrors.KindNodeNotFound)
	}

	rec.Revoked = true
	now := time.Now()
	rec.LastUsedAt = &now

	if err := s.store.Put(rec); err != nil {
		return err
	}

	if s.gossip != nil {
		s.gossip.PublishTokenRevoked(id)
	}
	return nil
}

// Delete removes a record entirely (primary + hash index).
func (s *Service) Delete(id model.TokenID) error {
	if _, found, err := s.store.Get(id); err != nil {
		return err
	} else if !found {
		return ierrors.WithKind(ierrors.Newf("token %s not found", id), ierrors.KindNodeNotFound)
	}
	return s.store.Delete(id)
}

// List returns all token metadata records.
func (s *Service) List() ([]*model.ApiToken, error) {
	return s.store.List()
}

// ApplyGossipTokenCreated implements the TokenCreated CRDT merge from spec
// §4.4: insert if absent; otherwise overwrite only if the incoming record
// is strictly newer by created_at.
func (s *Service) ApplyGossipTokenCreated(t *model.ApiToken) error {
	existing, found, err := s.store.Get(t.ID)
	if err != nil {
		return err
	}
	if !found || t.CreatedAt.After(existing.CreatedAt) {
		return s.store.Put(t)
	}
	return nil
}

// ApplyGossipTokenUpdated implements the unconditional upsert from spec
// §4.4 (callers should only send for non-decreasing updates).
func (s *Service) ApplyGossipTokenUpdated(t *model.ApiToken) error {
	return s.store.Put(t)
}

// ApplyGossipTokenRevoked implements the idempotent revoke from spec §4.4.
func (s *Service) ApplyGossipTokenRevoked(id model.TokenID) error {
	rec, found, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if rec.Revoked {
		return nil
	}
	rec.Revoked = true
	now := time.Now()
	rec.LastUsedAt = &now
	return s.store.Put(rec)
}
