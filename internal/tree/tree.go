// Package tree is the document-tree collaborator of the delivery pipeline. The
// tree itself is owned elsewhere; this package only answers ancestry and
// excerpt questions about it.
package tree

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"omninotify/internal/model"
)

// ExcerptLimit bounds node excerpts carried in notifications, in runes.
const ExcerptLimit = 200

// Resolver returns the ancestors of a node, nearest first, excluding the node
// itself. The root has no ancestors.
type Resolver interface {
	AncestorsOf(ctx context.Context, nodeID string) ([]string, error)
}

// TextSource returns a node's raw text content.
type TextSource interface {
	NodeText(ctx context.Context, nodeID string) (string, error)
}

// NodeInfo is what channel renderers need to describe a node.
type NodeInfo struct {
	ID      string
	Excerpt string
	URL     string
}

type Describer interface {
	Describe(ctx context.Context, nodeID string) (NodeInfo, error)
}

// Chain returns the node followed by its ancestors. Index i of the result is
// i steps above nodeID.
func Chain(ctx context.Context, r Resolver, nodeID string) ([]string, error) {
	anc, err := r.AncestorsOf(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(anc)+1)
	out = append(out, nodeID)
	out = append(out, anc...)
	return out, nil
}

// Excerpt collapses whitespace and truncates to limit runes.
func Excerpt(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	r := []rune(text)
	return string(r[:limit])
}

// Linker builds node URLs as <frontend host>/block/<id>.
type Linker struct {
	Host   string
	Source TextSource
}

func (l Linker) URL(nodeID string) string {
	host := strings.TrimRight(strings.TrimSpace(l.Host), "/")
	return host + "/block/" + nodeID
}

// Describe returns the node URL and excerpt. A missing text source or a
// vanished node yields an empty excerpt, not an error.
func (l Linker) Describe(ctx context.Context, nodeID string) (NodeInfo, error) {
	info := NodeInfo{ID: nodeID, URL: l.URL(nodeID)}
	if l.Source == nil {
		return info, nil
	}
	text, err := l.Source.NodeText(ctx, nodeID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return info, err
	}
	info.Excerpt = Excerpt(text, ExcerptLimit)
	return info, nil
}

