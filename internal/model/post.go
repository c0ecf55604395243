package model

import "time"

// Post は投稿を表す。
// IndexPendingは検索インデックスへの反映が未確認であることを示すストア内部のマーカー。
type Post struct {
	ID           int64
	Body         string
	AuthorID     int64
	Image        []byte
	IndexPending bool
	CreatedAt    time.Time
}

// PostSummary は一覧・検索結果用の投稿の要約（画像を含まない）。
type PostSummary struct {
	ID        int64
	Body      string
	AuthorID  int64
	CreatedAt time.Time
}

// Summary はPostからPostSummaryを生成する。
func (p *Post) Summary() PostSummary {
	return PostSummary{
		ID:        p.ID,
		Body:      p.Body,
		AuthorID:  p.AuthorID,
		CreatedAt: p.CreatedAt,
	}
}
