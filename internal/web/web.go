// Package web serves the deployment form page and its script.
package web

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/sirupsen/logrus"

	"webui-deployer/internal/logger"
	"webui-deployer/internal/probe"
)

const DefaultDeploymentName = "stable-diffusion-webui"

//go:embed templates/*.html static/*.js default-config.yaml
var content embed.FS

// DefaultConfig returns the deployment config the form is pre-filled with.
func DefaultConfig() string {
	b, err := content.ReadFile("default-config.yaml")
	if err != nil {
		return ""
	}
	return string(b)
}

type UI struct {
	templates *template.Template
	static    http.Handler
	token     string
	logger    *logrus.Entry
}

// New parses the embedded templates. token is the escrow token shown next
// to balances.
func New(token string) (*UI, error) {
	templates, err := template.ParseFS(content, "templates/*.html")
	if err != nil {
		return nil, err
	}

	staticFS, err := fs.Sub(content, "static")
	if err != nil {
		return nil, err
	}

	return &UI{
		templates: templates,
		static:    http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))),
		token:     token,
		logger:    logger.WithModule("web"),
	}, nil
}

func (u *UI) Index(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"Name":           DefaultDeploymentName,
		"Config":         DefaultConfig(),
		"Token":          u.token,
		"PollIntervalMs": probe.DefaultInterval.Milliseconds(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := u.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		u.logger.WithError(err).Error("Template render failed")
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

// Static serves the embedded scripts under /static/.
func (u *UI) Static() http.Handler {
	return u.static
}
