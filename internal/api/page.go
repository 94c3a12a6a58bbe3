package api

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"referral-dapp/internal/contract"
	"referral-dapp/internal/referral"
)

//go:embed web/index.html
var webFS embed.FS

var pageTemplate = template.Must(template.ParseFS(webFS, "web/index.html"))

type pageData struct {
	View            referral.View
	ReferrerPattern string
	// AuthRequired 时页面提供令牌输入框，写请求携带 Bearer 令牌。
	AuthRequired bool
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	view, err := s.dashboard.View(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, pageData{
		View:            view,
		ReferrerPattern: contract.ReferrerPattern,
		AuthRequired:    s.auth != nil && s.auth.Enabled(),
	}); err != nil {
		s.logger.Error("渲染页面失败", slog.Any("error", err))
	}
}
