// Package gitrepo mirrors every committed artifact version into a per-artifact
// git repository, one commit and one tag per version.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cogspace/api/internal/events"
	"cogspace/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.json"

var ErrVersionNotMirrored = errors.New("gitrepo: version not mirrored")

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Version   string    `json:"version,omitempty"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Mirror struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Mirror {
	return &Mirror{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Mirror) Name() string { return "git_mirror" }

// Publish records artifact.version_added events. Other events are ignored.
func (m *Mirror) Publish(_ context.Context, event events.Event) error {
	if event.Type != events.VersionAdded {
		return nil
	}
	number, ok := intValue(event.Data["version"])
	if !ok {
		return fmt.Errorf("version_added event for %s has no version number", event.ArtifactID)
	}
	content, _ := event.Data["content"].(map[string]any)
	hash, _ := event.Data["contentHash"].(string)
	_, err := m.RecordVersion(event.ArtifactID, number, content, hash, event.ActorID, event.OccurredAt)
	return err
}

// RecordVersion commits content as version number of the artifact and tags
// it v<number>. Recording an already tagged version is a no-op.
func (m *Mirror) RecordVersion(artifactID string, number int, content map[string]any, contentHash, author string, when time.Time) (CommitInfo, error) {
	lock := m.artifactLock(artifactID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.openOrInit(artifactID)
	if err != nil {
		return CommitInfo{}, err
	}

	tagName := versionTag(number)
	if commitObj, err := taggedCommit(repo, tagName); err == nil {
		return toCommitInfo(commitObj, tagName), nil
	} else if !errors.Is(err, ErrVersionNotMirrored) {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if content == nil {
		content = map[string]any{}
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add content: %w", err)
	}

	if when.IsZero() {
		when = time.Now()
	}
	message := fmt.Sprintf("Version %d", number)
	if contentHash != "" {
		message += "\n\ncontent-hash: " + contentHash
	}
	signature := &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.cogspace.dev", sanitizeEmail(author)),
		When:  when,
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature,
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit content: %w", err)
	}

	if _, err := repo.CreateTag(tagName, hash, &git.CreateTagOptions{
		Tagger:  signature,
		Message: message,
	}); err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj, tagName), nil
}

// History lists mirrored versions newest first.
func (m *Mirror) History(artifactID string, limit int) ([]CommitInfo, error) {
	lock := m.artifactLock(artifactID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(artifactID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	tags, err := versionTagsByCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj, tags[commitObj.Hash]))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt reads the mirrored snapshot of one version.
func (m *Mirror) ContentAt(artifactID string, number int) (store.Content, error) {
	lock := m.artifactLock(artifactID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(artifactID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrVersionNotMirrored
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := taggedCommit(repo, versionTag(number))
	if err != nil {
		return nil, err
	}
	return readContentFromCommit(commitObj)
}

func (m *Mirror) openOrInit(artifactID string) (*git.Repository, error) {
	path := m.repoPath(artifactID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (m *Mirror) repoPath(artifactID string) string {
	return filepath.Join(m.baseDir, artifactID)
}

func (m *Mirror) artifactLock(artifactID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[artifactID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	m.locks[artifactID] = lock
	return lock
}

func versionTag(number int) string {
	return fmt.Sprintf("v%d", number)
}

func taggedCommit(repo *git.Repository, tagName string) (*object.Commit, error) {
	ref, err := repo.Tag(tagName)
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, ErrVersionNotMirrored
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", tagName, err)
	}
	tagObj, err := repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		return tagObj.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return repo.CommitObject(ref.Hash())
	default:
		return nil, fmt.Errorf("read tag %s: %w", tagName, err)
	}
}

func versionTagsByCommit(repo *git.Repository) (map[plumbing.Hash]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	tags := make(map[plumbing.Hash]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
			tags[tagObj.Target] = name
			return nil
		}
		tags[ref.Hash()] = name
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

func readContentFromCommit(commitObj *object.Commit) (store.Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	return store.DecodeContent(payload)
}

func toCommitInfo(commitObj *object.Commit, tag string) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Version:   tag,
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func intValue(value any) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		return int(typed), true
	case json.Number:
		n, err := typed.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
