package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindCognitive    Kind = "cognitive"
	KindIntellectual Kind = "intellectual"
)

func (k Kind) Valid() bool {
	return k == KindCognitive || k == KindIntellectual
}

type State string

const (
	StateDraft      State = "draft"
	StateInProgress State = "in_progress"
	StateReview     State = "review"
	StateFinalized  State = "finalized"
	StateArchived   State = "archived"
)

func (s State) Valid() bool {
	switch s {
	case StateDraft, StateInProgress, StateReview, StateFinalized, StateArchived:
		return true
	default:
		return false
	}
}

type Artifact struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Kind          Kind      `json:"kind"`
	ProjectID     string    `json:"projectId"`
	CreatorID     string    `json:"creatorId"`
	State         State     `json:"state"`
	LatestVersion int       `json:"latestVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// VersionHeader is a version without its content snapshot.
type VersionHeader struct {
	ID            string    `json:"id"`
	ArtifactID    string    `json:"artifactId"`
	Number        int       `json:"number"`
	ParentVersion *int      `json:"parentVersion,omitempty"`
	CreatorID     string    `json:"creatorId"`
	ContentHash   string    `json:"contentHash"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Version struct {
	VersionHeader
	Content Content `json:"content"`
}

type TransformationLink struct {
	SourceArtifactID  string    `json:"sourceArtifactId"`
	SourceVersion     int       `json:"sourceVersion"`
	TargetArtifactID  string    `json:"targetArtifactId"`
	RuleSetID         string    `json:"ruleSetId"`
	SourceContentHash string    `json:"sourceContentHash"`
	TransformedAt     time.Time `json:"transformedAt"`
}

// Content is an opaque key/value snapshot. Its canonical encoding is JSON
// with keys in sorted order.
type Content map[string]any

func (c Content) Canonical() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return payload, nil
}

// Hash returns the hex SHA-256 of the canonical encoding.
func (c Content) Hash() (string, error) {
	payload, err := c.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// DecodeContent parses a stored snapshot, keeping numbers as json.Number so
// re-encoding reproduces the stored bytes.
func DecodeContent(payload []byte) (Content, error) {
	content := Content{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return content, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return content, nil
}

// Clone returns a deep copy made through the canonical encoding.
func (c Content) Clone() (Content, error) {
	payload, err := c.Canonical()
	if err != nil {
		return nil, err
	}
	return DecodeContent(payload)
}
