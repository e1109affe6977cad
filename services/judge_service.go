package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/timolein74/ai-art-arena/models"
)

const (
	// Sub-scores come back in [MinSubScore, MaxSubScore] each; the total is
	// their sum.
	MinSubScore = 1
	MaxSubScore = 10
)

// ScoringRequest batches every entry of a game into one call to the scoring
// capability.
type ScoringRequest struct {
	GameID  uint64         `json:"game_id"`
	Entries []ScoringEntry `json:"entries"`
}

type ScoringEntry struct {
	Index      int    `json:"index"`
	ContentRef string `json:"content_ref"`
	Title      string `json:"title"`
}

type ScoringResponse struct {
	Scores []EntryScore `json:"scores"`
}

type EntryScore struct {
	Index      int    `json:"index"`
	Creativity int    `json:"creativity"`
	Technique  int    `json:"technique"`
	Adherence  int    `json:"adherence"`
	Rationale  string `json:"rationale"`
}

// ScoringClient is the narrow judging capability: submit entries, receive
// per-entry sub-scores. The production implementation fronts an LLM backend;
// tests swap in a deterministic stub.
type ScoringClient interface {
	ScoreEntries(ctx context.Context, req ScoringRequest) (*ScoringResponse, error)
}

// JudgeHTTPClient calls the external scoring service.
type JudgeHTTPClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewJudgeHTTPClient(baseURL, token string) *JudgeHTTPClient {
	return &JudgeHTTPClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second, // LLM scoring of a full game is slow
		},
	}
}

func (c *JudgeHTTPClient) ScoreEntries(ctx context.Context, reqBody ScoringRequest) (*ScoringResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode scoring request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/score", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call scoring service: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Printf("Scoring service returned %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("scoring service returned %d", resp.StatusCode)
	}

	var out ScoringResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode scoring response: %w", err)
	}
	return &out, nil
}

// JudgeService converts the external, non-deterministic scoring step into a
// deterministic winner: strictly highest total, earliest admission timestamp
// on ties. Scores are recorded once per game and never rewritten.
type JudgeService struct {
	DB      *gorm.DB
	Escrow  *EscrowService
	Scoring ScoringClient
}

func NewJudgeService(db *gorm.DB, escrow *EscrowService, scoring ScoringClient) *JudgeService {
	return &JudgeService{DB: db, Escrow: escrow, Scoring: scoring}
}

// Judge scores an ended, unfinalized game and returns the winning entry.
// A judging failure leaves nothing mutated; the scheduler retries with the
// same inputs at the next tick.
func (s *JudgeService) Judge(ctx context.Context, gameID uint64) (*models.Entry, error) {
	game, err := s.Escrow.GameByID(gameID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if game.Finalized {
		return nil, ErrGameAlreadyFinalized
	}
	if !game.Ended(now) {
		return nil, ErrGameNotEnded
	}

	var entries []models.Entry
	if err := s.DB.Where("game_id = ?", gameID).
		Order("submitted_at ASC, position ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("fetch entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	// Crash recovery: scores already recorded (a previous attempt got past
	// judging but died before finalize) are reused as-is.
	if allJudged(entries) {
		return pickWinner(entries), nil
	}

	var scores []EntryScore
	if len(entries) == 1 {
		// A sole entry wins by default; no point paying the scoring backend
		// for a foregone conclusion.
		scores = []EntryScore{{
			Index:      0,
			Creativity: MaxSubScore,
			Technique:  MaxSubScore,
			Adherence:  MaxSubScore,
			Rationale:  "Only entry this game; wins by default.",
		}}
	} else {
		req := ScoringRequest{GameID: gameID, Entries: make([]ScoringEntry, len(entries))}
		for i, e := range entries {
			req.Entries[i] = ScoringEntry{Index: i, ContentRef: e.ContentRef, Title: e.Title}
		}
		resp, err := s.Scoring.ScoreEntries(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrJudgingUnavailable, err)
		}
		scores, err = validateScores(resp, len(entries))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrJudgingUnavailable, err)
		}
	}

	// Attach scores in one transaction; the guard on score_total keeps
	// recorded scores immutable.
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		for _, sc := range scores {
			e := &entries[sc.Index]
			total := sc.Creativity + sc.Technique + sc.Adherence
			res := tx.Model(&models.Entry{}).
				Where("id = ? AND score_total IS NULL", e.ID).
				Updates(map[string]interface{}{
					"score_creativity": sc.Creativity,
					"score_technique":  sc.Technique,
					"score_adherence":  sc.Adherence,
					"score_total":      total,
					"score_rationale":  sc.Rationale,
				})
			if res.Error != nil {
				return fmt.Errorf("record score for entry %s: %w", e.ID, res.Error)
			}
			creativity, technique, adherence := sc.Creativity, sc.Technique, sc.Adherence
			e.ScoreCreativity = &creativity
			e.ScoreTechnique = &technique
			e.ScoreAdherence = &adherence
			e.ScoreTotal = &total
			e.ScoreRationale = sc.Rationale
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	winner := pickWinner(entries)
	log.Printf("🏆 [JUDGE] Game %d judged: winner entry %s (total %d of %d entries)", gameID, winner.ID, *winner.ScoreTotal, len(entries))
	return winner, nil
}

func allJudged(entries []models.Entry) bool {
	for i := range entries {
		if !entries[i].Judged() {
			return false
		}
	}
	return true
}

// pickWinner selects the strictly highest total; ties resolve to the
// earliest admission timestamp. Entries arrive in admission order, so the
// strict > comparison implements the tie-break for free.
func pickWinner(entries []models.Entry) *models.Entry {
	winner := &entries[0]
	for i := 1; i < len(entries); i++ {
		if *entries[i].ScoreTotal > *winner.ScoreTotal {
			winner = &entries[i]
		}
	}
	return winner
}

func validateScores(resp *ScoringResponse, entryCount int) ([]EntryScore, error) {
	if resp == nil || len(resp.Scores) != entryCount {
		return nil, fmt.Errorf("expected %d scores, got %d", entryCount, len(resp.Scores))
	}
	seen := make(map[int]bool, entryCount)
	for _, sc := range resp.Scores {
		if sc.Index < 0 || sc.Index >= entryCount {
			return nil, fmt.Errorf("score index %d out of range", sc.Index)
		}
		if seen[sc.Index] {
			return nil, fmt.Errorf("duplicate score for index %d", sc.Index)
		}
		seen[sc.Index] = true
		for _, sub := range []int{sc.Creativity, sc.Technique, sc.Adherence} {
			if sub < MinSubScore || sub > MaxSubScore {
				return nil, fmt.Errorf("sub-score %d out of range [%d,%d]", sub, MinSubScore, MaxSubScore)
			}
		}
	}
	return resp.Scores, nil
}
