// Package entity owns the identity the process serves: its name, its data
// directory layout, and the shared-secret token the RPC surface verifies.
// One entity is active per process; multi-entity deployments run one
// process per entity.
package entity

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entity is the active persona. All storage keys (graph group_id, vector
// metadata, directory paths) derive from it.
type Entity struct {
	Name string
	Root string

	token  []byte
	logger *zap.Logger
}

// Load opens the entity rooted at root, creating the directory skeleton
// and the token file on first run.
func Load(name, root string, logger *zap.Logger) (*Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("entity: name must not be empty")
	}
	e := &Entity{
		Name:   name,
		Root:   root,
		logger: logger.Named("entity"),
	}

	for _, dir := range []string{
		e.DataDir(),
		e.CrystalsCurrentDir(),
		e.CrystalsArchiveDir(),
		e.WordPhotosDir(),
		e.FrictionsDir(),
		e.TechDocsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("entity: create %s: %w", dir, err)
		}
	}

	if err := e.loadOrCreateToken(); err != nil {
		return nil, err
	}

	e.logger.Info("entity loaded",
		zap.String("name", e.Name),
		zap.String("root", e.Root))
	return e, nil
}

// GroupID is the graph scope key for this entity.
func (e *Entity) GroupID() string { return strings.ToLower(e.Name) }

// SandboxGroupID scopes throwaway ingestion runs away from live memory.
func (e *Entity) SandboxGroupID() string { return e.GroupID() + "_sandbox" }

func (e *Entity) DataDir() string            { return filepath.Join(e.Root, "data") }
func (e *Entity) DatabasePath() string       { return filepath.Join(e.Root, "data", "conversations.db") }
func (e *Entity) DocIndexPath() string       { return filepath.Join(e.Root, "data", "docs.bleve") }
func (e *Entity) CrystalsCurrentDir() string { return filepath.Join(e.Root, "crystals", "current") }
func (e *Entity) CrystalsArchiveDir() string { return filepath.Join(e.Root, "crystals", "archive") }
func (e *Entity) WordPhotosDir() string {
	return filepath.Join(e.Root, "memories", "word_photos")
}
func (e *Entity) FrictionsDir() string { return filepath.Join(e.Root, "memories", "frictions") }
func (e *Entity) TechDocsDir() string  { return filepath.Join(e.Root, "memories", "tech_docs") }

func (e *Entity) tokenPath() string { return filepath.Join(e.Root, ".entity_token") }

func (e *Entity) loadOrCreateToken() error {
	data, err := os.ReadFile(e.tokenPath())
	if err == nil {
		tok := strings.TrimSpace(string(data))
		if tok == "" {
			return fmt.Errorf("entity: token file %s is empty", e.tokenPath())
		}
		e.token = []byte(tok)
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("entity: read token: %w", err)
	}

	tok := uuid.NewString()
	if err := os.WriteFile(e.tokenPath(), []byte(tok+"\n"), 0o600); err != nil {
		return fmt.Errorf("entity: write token: %w", err)
	}
	e.token = []byte(tok)
	e.logger.Info("entity token created", zap.String("path", e.tokenPath()))
	return nil
}

// VerifyToken compares a presented token against the entity secret in
// constant time.
func (e *Entity) VerifyToken(presented string) bool {
	if len(e.token) == 0 || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare(e.token, []byte(strings.TrimSpace(presented))) == 1
}

// Token exposes the secret for process-local callers (the MCP stdio
// transport fills it into its own tool calls).
func (e *Entity) Token() string { return string(e.token) }
