package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/kbukum/capdir/component"
	"github.com/kbukum/capdir/logger"
)

// Summary prints what a node started with: its components, the admin
// routes and the health of everything at the end of startup.
type Summary struct {
	serviceName string
	version     string
	took        time.Duration
	extra       []component.Description
	out         io.Writer
	noColor     bool
}

// NewSummary returns a summary writing to stdout.
func NewSummary(serviceName, version string) *Summary {
	return &Summary{serviceName: serviceName, version: version, out: os.Stdout}
}

// SetOutput redirects the summary and turns colors off.
func (s *Summary) SetOutput(w io.Writer) {
	s.out = w
	s.noColor = true
}

// SetStartupDuration records how long startup took.
func (s *Summary) SetStartupDuration(d time.Duration) { s.took = d }

// TrackInfrastructure lists something that is not a registered component.
func (s *Summary) TrackInfrastructure(name, componentType, details string, port int) {
	s.extra = append(s.extra, component.Description{Name: name, Type: componentType, Details: details, Port: port})
}

func (s *Summary) paint(attr color.Attribute, text string) string {
	c := color.New(attr)
	if s.noColor {
		c.DisableColor()
	}
	return c.Sprint(text)
}

func (s *Summary) statusLabel(st component.HealthStatus) string {
	switch st {
	case component.StatusHealthy:
		return s.paint(color.FgGreen, "ok")
	case component.StatusDegraded:
		return s.paint(color.FgYellow, "degraded")
	case component.StatusUnhealthy:
		return s.paint(color.FgRed, "down")
	}
	return "?"
}

// DisplaySummary writes the summary for the components in registry, which
// may be nil.
func (s *Summary) DisplaySummary(registry *component.Registry, log *logger.Logger) {
	var (
		comps  []component.Component
		routes []component.Route
		health []component.Health
	)
	descs := append([]component.Description(nil), s.extra...)
	if registry != nil {
		comps = registry.All()
		health = registry.HealthAll(context.Background())
	}
	for _, c := range comps {
		if d, ok := c.(component.Describable); ok {
			desc := d.Describe()
			if desc.Name == "" {
				desc.Name = c.Name()
			}
			descs = append(descs, desc)
		}
		if rp, ok := c.(component.RouteProvider); ok {
			routes = append(routes, rp.Routes()...)
		}
	}

	fmt.Fprintf(s.out, "\n%s %s started in %.2fs\n", s.paint(color.Bold, s.serviceName), "v"+s.version, s.took.Seconds())

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCOMPONENT\tTYPE\tDETAILS")
	if len(descs) == 0 {
		fmt.Fprintln(tw, "(none)\t\t")
	}
	for _, d := range descs {
		details := d.Details
		if d.Port > 0 {
			details += fmt.Sprintf(" (:%d)", d.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Type, details)
	}

	if len(routes) > 0 {
		fmt.Fprintln(tw, "\nMETHOD\tPATH\tHANDLER")
		for _, r := range routes {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Method, r.Path, r.Handler)
		}
	}

	notHealthy := 0
	if len(health) > 0 {
		fmt.Fprintln(tw, "\nHEALTH\tSTATUS\tMESSAGE")
		for _, h := range health {
			if h.Status != component.StatusHealthy {
				notHealthy++
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Name, s.statusLabel(h.Status), h.Message)
		}
	}
	_ = tw.Flush()
	fmt.Fprintln(s.out)

	if notHealthy > 0 && log != nil {
		log.Warn("some components are not healthy", logger.Fields("count", notHealthy))
	}
}
