package scoring

import (
	"log/slog"
	"strings"

	"github.com/Felipeflowers17/CA-doc/internal/portal"
)

const secondCallMarker = "segundo llamado"

type Engine struct {
	rules  *Rules
	logger *slog.Logger
}

func NewEngine(rules *Rules, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:  rules,
		logger: logger.With("component", "scoring"),
	}
}

func (e *Engine) Rules() *Rules {
	return e.rules
}

// Phase1 scores a listing record: priority organization, second call status
// and one award per distinct title keyword found in the name.
func (e *Engine) Phase1(rec portal.Record) int {
	points := 0
	pts := e.rules.points

	if e.rules.priorityOrganization(rec.Organization) {
		points += pts.Organization
		e.logger.Debug("priority organization", "code", rec.Code, "organization", rec.Organization, "points", pts.Organization)
	}

	if strings.Contains(strings.ToLower(rec.Status), secondCallMarker) {
		points += pts.SecondCall
		e.logger.Debug("second call", "code", rec.Code, "points", pts.SecondCall)
	}

	name := strings.ToLower(rec.Name)
	for _, kw := range e.rules.titleKeywords {
		if strings.Contains(name, kw) {
			points += pts.TitleKeyword
			e.logger.Debug("title keyword", "code", rec.Code, "keyword", kw, "points", pts.TitleKeyword)
		}
	}

	e.logger.Debug("phase 1 score", "code", rec.Code, "score", points)
	return points
}

// Phase2 scores the requested products. Each product is awarded at most once,
// on its first matching keyword.
func (e *Engine) Phase2(products []portal.Product) int {
	points := 0
	for _, p := range products {
		name := strings.ToLower(p.Name)
		if name == "" {
			continue
		}
		for _, kw := range e.rules.productKeywords {
			if strings.Contains(name, kw) {
				points += e.rules.points.ProductKeyword
				e.logger.Debug("product keyword", "product", p.Name, "keyword", kw, "points", e.rules.points.ProductKeyword)
				break
			}
		}
	}
	return points
}

func (e *Engine) Combined(phase1, phase2 int) int {
	return phase1 + phase2
}
