package simulator

import (
	"encoding/json"
	"net/http"
)

// Rating is one feedback submission received by the simulator.
type Rating struct {
	InteractionID string
	ThumbsUp      bool
	Text          string
}

type feedbackRequest struct {
	InteractionID string `json:"interaction_id"`
	TextFeedback  struct {
		FeedbackText string `json:"feedback_text"`
		ThumbsUp     bool   `json:"thumbs_up"`
	} `json:"text_feedback"`
}

// FeedbackHandler accepts feedback posts and acknowledges them.
func (s *Simulator) FeedbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InteractionID == "" {
			http.Error(w, "bad feedback request", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.ratings = append(s.ratings, Rating{
			InteractionID: req.InteractionID,
			ThumbsUp:      req.TextFeedback.ThumbsUp,
			Text:          req.TextFeedback.FeedbackText,
		})
		s.mu.Unlock()

		s.logger.Debug().Str("interaction", req.InteractionID).Bool("thumbsUp", req.TextFeedback.ThumbsUp).Msg("Feedback received")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"feedback_response": "Feedback recorded"})
	})
}

// Ratings returns every feedback submission received.
func (s *Simulator) Ratings() []Rating {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rating, len(s.ratings))
	copy(out, s.ratings)
	return out
}
