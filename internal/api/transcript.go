package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/game-planer/internal/session"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// transcriptMarkdown renders a session history as Markdown. Message
// text is already Markdown as the model writes it.
func transcriptMarkdown(id string, turns []session.Turn) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session %s\n\n", id)
	if len(turns) == 0 {
		sb.WriteString("_No messages yet._\n")
		return sb.String()
	}

	for _, t := range turns {
		switch t.Role {
		case session.RoleUser:
			sb.WriteString("## You\n\n")
		case session.RoleAssistant:
			sb.WriteString("## Game Planer\n\n")
		default:
			fmt.Fprintf(&sb, "## %s\n\n", t.Role)
		}
		sb.WriteString(strings.TrimSpace(t.Content))
		sb.WriteString("\n\n")

		if tc := t.ToolCall; tc != nil {
			status := "ok"
			if tc.IsError {
				status = "error"
			}
			fmt.Fprintf(&sb, "> used `%s` (%s)\n\n", tc.ToolName, status)
		}
		fmt.Fprintf(&sb, "_%s_\n\n", t.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return sb.String()
}

func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	var body bytes.Buffer
	if err := markdown.Convert([]byte(transcriptMarkdown(sess.ID, sess.Turns())), &body); err != nil {
		s.logger.Error("transcript render failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "render failed")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n%s</body></html>\n",
		html.EscapeString("Game Planer: "+sess.ID), body.String())
}
