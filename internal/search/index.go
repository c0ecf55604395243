// Package search は投稿本文の全文検索インデックスを提供する。
// インデックスはコンテンツストアから導出されるデータであり、いつでもストアから再構築できる。
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	"github.com/hitoshi/postboard/internal/model"
)

var (
	// ErrQueryParse はクエリ文字列が構文として不正であることを表す。
	ErrQueryParse = errors.New("search query could not be parsed")
	// ErrIndex はインデックスの読み書きに失敗したことを表す。
	ErrIndex = errors.New("search index failure")
)

const (
	analyzerName  = "postboard_text"
	fieldBody     = "body"
	currentFile   = "CURRENT"
	genPrefix     = "gen-"
	rebuildBatch  = 200
	maxReadRetry  = 3
	docIDDigits   = 20
	defaultLimit  = 10
	maxQueryBytes = 1024
)

// Options はインデックスの保存先を指定する。
type Options struct {
	// Dir が空の場合はインメモリインデックスを使用する。
	Dir string
}

// Hit は検索結果の1件。
type Hit struct {
	PostID int64
	Score  float64
}

// Source は再構築時に全投稿を読み出す元。
type Source interface {
	EachPost(ctx context.Context, fn func(post *model.Post) error) error
}

// generation はある時点のbleveインデックスとその保存ディレクトリ。
type generation struct {
	idx  bleve.Index
	name string // ディスク上のディレクトリ名。インメモリの場合は空
}

// journalOp は再構築中に受け付けた書き込み操作。
type journalOp struct {
	post   *model.Post // nilの場合は削除
	postID int64
}

// Index は投稿の全文検索インデックス。
// 読み取りはロックを取らず現在の世代を参照し、書き込みはmuで直列化する。
type Index struct {
	opts  Options
	fresh atomic.Bool

	current atomic.Pointer[generation]

	mu      sync.Mutex
	journal []journalOp
	// rebuilding はmuで保護する。trueの間の書き込みはjournalにも記録する。
	rebuilding bool

	rebuildMu sync.Mutex
}

// Open はインデックスを開く。
// インメモリの場合、またはディスク上に有効な世代がない場合は新しい空のインデックスを作成し、
// Fresh()がtrueを返す。その場合は呼び出し側がストアから再構築する。
func Open(opts Options) (*Index, error) {
	ix := &Index{opts: opts}

	if opts.Dir == "" {
		gen, err := ix.newGeneration()
		if err != nil {
			return nil, err
		}
		ix.current.Store(gen)
		ix.fresh.Store(true)
		return ix, nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create index dir: %v", ErrIndex, err)
	}

	if gen, err := ix.openCurrent(); err == nil {
		ix.current.Store(gen)
	} else {
		slog.Warn("既存の検索インデックスを開けないため新規作成します",
			slog.String("dir", opts.Dir),
			slog.String("error", err.Error()),
		)
		gen, err := ix.newGeneration()
		if err != nil {
			return nil, err
		}
		if err := ix.writeCurrent(gen.name); err != nil {
			gen.idx.Close()
			return nil, err
		}
		ix.current.Store(gen)
		ix.fresh.Store(true)
	}

	ix.removeStaleGenerations()
	return ix, nil
}

// Fresh はOpen時に空のインデックスを新規作成したかどうかを返す。
func (ix *Index) Fresh() bool {
	return ix.fresh.Load()
}

// Close はインデックスを閉じる。
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	gen := ix.current.Load()
	if gen == nil {
		return nil
	}
	if err := gen.idx.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIndex, err)
	}
	return nil
}

// IndexPost は投稿を登録する。同じIDの投稿は上書きされるため冪等。
func (ix *Index) IndexPost(ctx context.Context, post *model.Post) error {
	return ix.IndexPosts(ctx, []*model.Post{post})
}

// IndexPosts は複数の投稿をバッチで登録する。
func (ix *Index) IndexPosts(ctx context.Context, posts []*model.Post) error {
	if len(posts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := indexBatch(ix.current.Load().idx, posts); err != nil {
		return err
	}
	if ix.rebuilding {
		for _, p := range posts {
			ix.journal = append(ix.journal, journalOp{post: p, postID: p.ID})
		}
	}
	return nil
}

// Remove は投稿をインデックスから削除する。存在しない場合も成功とする。
func (ix *Index) Remove(ctx context.Context, postID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.current.Load().idx.Delete(docID(postID)); err != nil {
		return fmt.Errorf("%w: failed to delete post %d: %v", ErrIndex, postID, err)
	}
	if ix.rebuilding {
		ix.journal = append(ix.journal, journalOp{postID: postID})
	}
	return nil
}

// Search はクエリ文字列に一致する投稿をスコア降順で最大limit件返す。
// スコアが同じ場合は投稿IDの昇順。
// 空のクエリや一致なしの場合は空のスライスを返す。
func (ix *Index) Search(ctx context.Context, q string, limit int) ([]Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []Hit{}, nil
	}
	if len(q) > maxQueryBytes {
		return nil, fmt.Errorf("%w: query too long", ErrQueryParse)
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	parsed, err := query.NewQueryStringQuery(q).Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryParse, err)
	}

	req := bleve.NewSearchRequestOptions(parsed, limit, 0, false)
	req.SortBy([]string{"-_score", "_id"})

	var lastErr error
	for attempt := 0; attempt < maxReadRetry; attempt++ {
		res, err := ix.current.Load().idx.SearchInContext(ctx, req)
		if err == nil {
			return toHits(res.Hits), nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// 世代の切り替えと競合した場合は新しい世代で再試行する
		if errors.Is(err, bleve.ErrorIndexClosed) {
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("%w: %v", ErrIndex, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrIndex, lastErr)
}

// Count はインデックス内の文書数を返す。
func (ix *Index) Count() (uint64, error) {
	for attempt := 0; attempt < maxReadRetry; attempt++ {
		n, err := ix.current.Load().idx.DocCount()
		if errors.Is(err, bleve.ErrorIndexClosed) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIndex, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: index closed", ErrIndex)
}

// ReindexAll はストアの全投稿から新しいインデックスを構築し、現在の世代と入れ替える。
// 構築中は書き込みロックを保持しないため、通常の書き込みと検索は継続する。
// 構築中に受け付けた書き込みは記録しておき、入れ替え直前に新しい世代へ再適用する。
// 読み取り側からは古い世代か新しい世代のどちらかだけが見える。
func (ix *Index) ReindexAll(ctx context.Context, src Source) (int, error) {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	next, err := ix.newGeneration()
	if err != nil {
		return 0, err
	}

	ix.mu.Lock()
	ix.rebuilding = true
	ix.journal = nil
	ix.mu.Unlock()

	count, err := fill(ctx, next.idx, src)
	if err != nil {
		ix.mu.Lock()
		ix.rebuilding = false
		ix.journal = nil
		ix.mu.Unlock()
		ix.discard(next)
		return 0, err
	}

	ix.mu.Lock()
	if err := replay(next.idx, ix.journal); err != nil {
		ix.rebuilding = false
		ix.journal = nil
		ix.mu.Unlock()
		ix.discard(next)
		return 0, err
	}
	if next.name != "" {
		if err := ix.writeCurrent(next.name); err != nil {
			ix.rebuilding = false
			ix.journal = nil
			ix.mu.Unlock()
			ix.discard(next)
			return 0, err
		}
	}
	old := ix.current.Swap(next)
	ix.rebuilding = false
	ix.journal = nil
	ix.mu.Unlock()

	ix.discard(old)
	ix.fresh.Store(false)

	slog.Info("検索インデックスを再構築しました",
		slog.Int("posts", count),
		slog.String("generation", next.name),
	)
	return count, nil
}

// fill はsrcの全投稿をidxにバッチ登録する。
func fill(ctx context.Context, idx bleve.Index, src Source) (int, error) {
	count := 0
	pending := make([]*model.Post, 0, rebuildBatch)

	flush := func() error {
		if err := indexBatch(idx, pending); err != nil {
			return err
		}
		count += len(pending)
		pending = pending[:0]
		return nil
	}

	err := src.EachPost(ctx, func(post *model.Post) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending = append(pending, post)
		if len(pending) >= rebuildBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read posts for reindex: %w", err)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return count, nil
}

func replay(idx bleve.Index, journal []journalOp) error {
	if len(journal) == 0 {
		return nil
	}
	b := idx.NewBatch()
	for _, op := range journal {
		if op.post == nil {
			b.Delete(docID(op.postID))
			continue
		}
		if err := b.Index(docID(op.post.ID), document(op.post)); err != nil {
			return fmt.Errorf("%w: failed to replay post %d: %v", ErrIndex, op.post.ID, err)
		}
	}
	if err := idx.Batch(b); err != nil {
		return fmt.Errorf("%w: failed to replay journal: %v", ErrIndex, err)
	}
	return nil
}

func indexBatch(idx bleve.Index, posts []*model.Post) error {
	if len(posts) == 0 {
		return nil
	}
	b := idx.NewBatch()
	for _, p := range posts {
		if err := b.Index(docID(p.ID), document(p)); err != nil {
			return fmt.Errorf("%w: failed to index post %d: %v", ErrIndex, p.ID, err)
		}
	}
	if err := idx.Batch(b); err != nil {
		return fmt.Errorf("%w: failed to write batch: %v", ErrIndex, err)
	}
	return nil
}

// newGeneration は空のインデックスを作成する。
func (ix *Index) newGeneration() (*generation, error) {
	m := newMapping()

	if ix.opts.Dir == "" {
		idx, err := bleve.NewMemOnly(m)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create in-memory index: %v", ErrIndex, err)
		}
		return &generation{idx: idx}, nil
	}

	name := genPrefix + uuid.NewString()
	idx, err := bleve.New(filepath.Join(ix.opts.Dir, name), m)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create index %s: %v", ErrIndex, name, err)
	}
	return &generation{idx: idx, name: name}, nil
}

func (ix *Index) openCurrent() (*generation, error) {
	data, err := os.ReadFile(filepath.Join(ix.opts.Dir, currentFile))
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(string(data))
	if !strings.HasPrefix(name, genPrefix) || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid generation name %q", name)
	}
	idx, err := bleve.Open(filepath.Join(ix.opts.Dir, name))
	if err != nil {
		return nil, err
	}
	return &generation{idx: idx, name: name}, nil
}

// writeCurrent はCURRENTファイルを一時ファイル経由で置き換える。
func (ix *Index) writeCurrent(name string) error {
	tmp := filepath.Join(ix.opts.Dir, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0o644); err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", ErrIndex, currentFile, err)
	}
	if err := os.Rename(tmp, filepath.Join(ix.opts.Dir, currentFile)); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %v", ErrIndex, currentFile, err)
	}
	return nil
}

// discard は世代を閉じ、ディスク上のディレクトリを削除する。
func (ix *Index) discard(gen *generation) {
	if gen == nil {
		return
	}
	if err := gen.idx.Close(); err != nil {
		slog.Warn("検索インデックスのクローズに失敗しました",
			slog.String("generation", gen.name),
			slog.String("error", err.Error()),
		)
	}
	if gen.name == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(ix.opts.Dir, gen.name)); err != nil {
		slog.Warn("古い検索インデックスの削除に失敗しました",
			slog.String("generation", gen.name),
			slog.String("error", err.Error()),
		)
	}
}

// removeStaleGenerations は現在の世代以外のgen-*ディレクトリを削除する。
// 再構築の途中でプロセスが終了した場合の残骸を掃除する。
func (ix *Index) removeStaleGenerations() {
	entries, err := os.ReadDir(ix.opts.Dir)
	if err != nil {
		return
	}
	current := ix.current.Load().name
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) || e.Name() == current {
			continue
		}
		if err := os.RemoveAll(filepath.Join(ix.opts.Dir, e.Name())); err == nil {
			slog.Info("不要な検索インデックスを削除しました", slog.String("generation", e.Name()))
		}
	}
}

// newMapping は投稿文書のマッピングを生成する。
// 本文はUnicodeの単語境界で分割し小文字化する。ステミングやストップワードは使わない。
func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	// 組み込みアナライザ定義のため失敗しない
	_ = im.AddCustomAnalyzer(analyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	im.DefaultAnalyzer = analyzerName
	im.DefaultField = fieldBody

	body := bleve.NewTextFieldMapping()
	body.Analyzer = analyzerName
	body.Store = false
	body.IncludeInAll = false

	author := bleve.NewNumericFieldMapping()
	author.Store = false
	author.IncludeInAll = false

	created := bleve.NewDateTimeFieldMapping()
	created.Store = false
	created.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldBody, body)
	doc.AddFieldMappingsAt("author_id", author)
	doc.AddFieldMappingsAt("created_at", created)
	doc.Dynamic = false

	im.DefaultMapping = doc
	return im
}

func document(p *model.Post) map[string]interface{} {
	return map[string]interface{}{
		fieldBody:    p.Body,
		"author_id":  float64(p.AuthorID),
		"created_at": p.CreatedAt,
	}
}

// docID は投稿IDを文書IDに変換する。ゼロ埋めにより文字列順がID順と一致する。
func docID(postID int64) string {
	return fmt.Sprintf("%0*d", docIDDigits, postID)
}

func toHits(matches bsearch.DocumentMatchCollection) []Hit {
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.ParseInt(m.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{PostID: id, Score: m.Score})
	}
	return hits
}
