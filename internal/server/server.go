// server.go - Daemon composition: per-pool runtime wiring and the HTTP API.

package server

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ptf-labs/shieldpool/internal/chain"
	"github.com/ptf-labs/shieldpool/internal/factory"
	"github.com/ptf-labs/shieldpool/internal/field"
	"github.com/ptf-labs/shieldpool/internal/merkle"
	"github.com/ptf-labs/shieldpool/internal/note"
	"github.com/ptf-labs/shieldpool/internal/nullifier"
	"github.com/ptf-labs/shieldpool/internal/planner"
	"github.com/ptf-labs/shieldpool/internal/pool"
	"github.com/ptf-labs/shieldpool/internal/proofs"
	"github.com/ptf-labs/shieldpool/internal/shield"
	"github.com/ptf-labs/shieldpool/internal/vault"
)

// PoolConfig declares one shielded pool the daemon serves.
type PoolConfig struct {
	PoolID     string `json:"pool_id"`
	MintID     string `json:"mint_id"`
	OriginMint string `json:"origin_mint"`
	Authority  string `json:"authority"`
	Decimals   uint8  `json:"decimals"`
	FeeBps     uint16 `json:"fee_bps"`
	Features   uint8  `json:"features"`
}

// Config wires a Server. MirrorURL is optional; when set, the resync
// endpoint reconciles the advisory stores against that remote mirror.
type Config struct {
	DataDir      string
	DAOAuthority string
	Pools        []PoolConfig
	Prover       proofs.Prover
	Mode         proofs.Mode
	ProveTimeout time.Duration
	MirrorURL    string
	Logger       zerolog.Logger
}

// poolRuntime bundles the collaborators serving one pool.
type poolRuntime struct {
	id         string
	mintID     string
	originMint string
	pool       *pool.Pool
	vault      *vault.Vault
	tree       *merkle.Tree
	spent      *nullifier.Registry
	mirror     *nullifier.Store
	notes      *shield.NoteLog
	fin        *shield.Finalizer
	coord      *proofs.Coordinator
}

// Server exposes the pool operations over HTTP.
type Server struct {
	log        zerolog.Logger
	factory    *factory.Factory
	keys       *proofs.VKRegistry
	allowances *planner.AllowanceBook
	pools      map[string]*poolRuntime
	remote     *chain.MirrorClient

	mu        sync.Mutex
	published map[string]chain.RootsResponse
}

// New builds the per-pool runtimes and registers every configured mint
// with the factory.
func New(cfg Config) (*Server, error) {
	s := &Server{
		log:        cfg.Logger.With().Str("component", "server").Logger(),
		factory:    factory.New(cfg.DAOAuthority),
		keys:       proofs.NewVKRegistry(),
		allowances: planner.NewAllowanceBook(nil),
		pools:      make(map[string]*poolRuntime),
		published:  make(map[string]chain.RootsResponse),
	}
	if cfg.MirrorURL != "" {
		s.remote = chain.NewMirrorClient(cfg.MirrorURL)
	}

	for _, pc := range cfg.Pools {
		poolID, err := field.Canonicalize(pc.PoolID)
		if err != nil {
			return nil, fmt.Errorf("pool id %q: %w", pc.PoolID, err)
		}
		if err := s.factory.RegisterMint(pc.OriginMint, pc.Decimals, false, ""); err != nil {
			return nil, err
		}

		p := pool.New(pc.OriginMint, pc.Authority)
		if pc.FeeBps > 0 {
			if err := p.SetFeeBps(pc.FeeBps); err != nil {
				return nil, err
			}
		}
		p.SetFeatures(pool.Features(pc.Features))

		v := vault.New(pc.OriginMint, pc.Authority)
		tree := merkle.New()
		spent := nullifier.NewRegistry()

		mirror, err := nullifier.OpenStore(filepath.Join(cfg.DataDir, "pools", poolID, "nullifiers"))
		if err != nil {
			return nil, err
		}
		notes, err := shield.OpenNoteLog(filepath.Join(cfg.DataDir, "pools", poolID, "notes"))
		if err != nil {
			return nil, err
		}

		rt := &poolRuntime{
			id:         poolID,
			mintID:     pc.MintID,
			originMint: pc.OriginMint,
			pool:       p,
			vault:      v,
			tree:       tree,
			spent:      spent,
			mirror:     mirror,
			notes:      notes,
			fin:        shield.NewFinalizer(poolID, p, v, tree, notes, cfg.Logger),
		}
		rt.coord = proofs.NewCoordinator(proofs.CoordinatorConfig{
			Roots:        rootSource{tree: tree, pool: p},
			Spent:        spent,
			Keys:         s.keys,
			Prover:       cfg.Prover,
			Mode:         cfg.Mode,
			ProveTimeout: cfg.ProveTimeout,
			Logger:       cfg.Logger,
		})
		s.pools[poolID] = rt
	}
	return s, nil
}

// Close releases every pool's persistent stores.
func (s *Server) Close() error {
	var first error
	for _, rt := range s.pools {
		if err := rt.mirror.Close(); err != nil && first == nil {
			first = err
		}
		if err := rt.notes.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// rootSource accepts the commitment tree's root window plus the pool's
// accepted hash-chained roots.
type rootSource struct {
	tree *merkle.Tree
	pool *pool.Pool
}

func (r rootSource) IsKnownRoot(candidate fr.Element) bool {
	if r.tree.IsKnownRoot(candidate) {
		return true
	}
	canonical := field.FromElement(&candidate)
	for _, accepted := range r.pool.AcceptedRoots() {
		if accepted == canonical {
			return true
		}
	}
	return false
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1")
	{
		v1.GET("/pools/:pool/roots", s.handleGetRoots)
		v1.POST("/pools/:pool/roots", s.handlePublishRoots)
		v1.GET("/pools/:pool/nullifiers", s.handleGetNullifiers)
		v1.POST("/pools/:pool/resync", s.handleResync)
		v1.POST("/pools/:pool/shield", s.handleShield)
		v1.POST("/pools/:pool/transfer", s.handleTransfer)
		v1.POST("/pools/:pool/unshield", s.handleUnshield)
		v1.POST("/pools/:pool/plan", s.handlePlan)

		v1.POST("/allowances/approve", s.handleApprove)
		v1.POST("/allowances/revoke", s.handleRevoke)
		v1.GET("/allowances/:owner/:spender", s.handleAllowance)

		v1.POST("/admin/pause", s.handlePause)
		v1.POST("/admin/unpause", s.handleUnpause)
		v1.POST("/admin/mints/:mint/freeze", s.handleFreeze)
		v1.POST("/admin/mints/:mint/thaw", s.handleThaw)
	}
	return r
}

// runtime resolves the pool named in the URL and enforces governance
// gating (global pause, frozen mapping).
func (s *Server) runtime(poolParam string) (*poolRuntime, error) {
	poolID, err := field.Canonicalize(poolParam)
	if err != nil {
		return nil, errUnknownPool
	}
	rt, ok := s.pools[poolID]
	if !ok {
		return nil, errUnknownPool
	}
	if s.factory.IsPaused() {
		return nil, errPoolSuspended
	}
	if m, ok := s.factory.Mapping(rt.originMint); !ok || !m.IsActive() {
		return nil, errPoolSuspended
	}
	return rt, nil
}

// currentRoot is the root new requests anchor on: the pool's accepted
// chain head once operations have run, the empty tree root before that.
func (rt *poolRuntime) currentRoot() string {
	if head := rt.pool.CurrentRoot(); head != "" {
		return head
	}
	root := rt.tree.Root()
	return field.FromElement(&root)
}

// changeNoteID derives the id of an unshield change note from the spent
// note's nullifier.
func changeNoteID(nullifierHex string) (string, error) {
	nf, err := field.ToElement(nullifierHex)
	if err != nil {
		return "", err
	}
	id := note.HashElements(&nf)
	return field.FromElement(&id), nil
}
