package server

import (
	"bytes"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{
	"books", "book", "book_form", "confirm", "my_loans",
	"history", "users", "login", "register", "error",
}

type pageSet map[string]*template.Template

var templateFuncs = template.FuncMap{
	"fmtTime": func(v any) string {
		switch t := v.(type) {
		case time.Time:
			return t.Format("2006-01-02 15:04")
		case *time.Time:
			if t == nil {
				return ""
			}
			return t.Format("2006-01-02 15:04")
		default:
			return ""
		}
	},
}

func loadPages() (pageSet, error) {
	pages := make(pageSet, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}
	return pages, nil
}

type flashMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type pageData struct {
	Title   string
	User    *domain.Principal
	IsAdmin bool
	Flash   *flashMessage
	Data    any
}

const flashCookie = "shelfkeeper_flash"

// render executes a page into a buffer first so template failures still
// produce a clean 500.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page, title string, p *domain.Principal, data any) {
	tmpl, ok := s.pages[page]
	if !ok {
		util.LoggerFromContext(r.Context()).Error("unknown page", "page", page)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	view := pageData{Title: title, User: p, Data: data, Flash: s.takeFlash(w, r)}
	if p != nil {
		view.IsAdmin = p.Role == domain.RoleAdmin
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", view); err != nil {
		util.LoggerFromContext(r.Context()).Error("render page", "page", page, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) setFlash(w http.ResponseWriter, r *http.Request, level, message string) {
	raw, _ := json.Marshal(flashMessage{Level: level, Message: message})
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		HttpOnly: true,
		Secure:   util.IsHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// takeFlash reads and clears the pending flash message.
func (s *Server) takeFlash(w http.ResponseWriter, r *http.Request) *flashMessage {
	c, err := r.Cookie(flashCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil
	}
	var msg flashMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Message == "" {
		return nil
	}
	if msg.Level != "success" {
		msg.Level = "error"
	}
	return &msg
}
