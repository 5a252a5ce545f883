package server

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/capdir/component"
)

// systemPaths are the routes RegisterDefaultEndpoints adds.
var systemPaths = map[string]bool{
	"/health":        true,
	"/ready":         true,
	"/alive":         true,
	"/info":          true,
	"/version":       true,
	"/debug/runtime": true,
}

var methodRank = map[string]int{"GET": 0, "POST": 1, "PUT": 2, "PATCH": 3, "DELETE": 4}

func rank(method string) int {
	if r, ok := methodRank[method]; ok {
		return r
	}
	return len(methodRank)
}

func sortedRoutes(in gin.RoutesInfo) []component.Route {
	in = slices.Clone(in)
	slices.SortFunc(in, func(a, b gin.RouteInfo) int {
		if sa, sb := systemPaths[a.Path], systemPaths[b.Path]; sa != sb {
			if sa {
				return 1
			}
			return -1
		}
		return cmp.Or(strings.Compare(a.Path, b.Path), cmp.Compare(rank(a.Method), rank(b.Method)))
	})

	out := make([]component.Route, 0, len(in))
	for _, r := range in {
		h := formatHandlerName(r.Handler)
		if systemPaths[r.Path] {
			h += " (system)"
		}
		out = append(out, component.Route{Method: r.Method, Path: r.Path, Handler: h})
	}
	return out
}

// formatHandlerName shortens Gin's handler names:
// "github.com/kbukum/capdir/capabilities/httpapi.(*Handler).List-fm" becomes
// "Handler.List" and the closure "…/endpoint.Health.func1" becomes "health".
func formatHandlerName(full string) string {
	name := strings.TrimSuffix(full, "-fm")
	name = name[strings.LastIndex(name, "/")+1:]
	name = strings.NewReplacer("(*", "", ")", "").Replace(name)

	parts := strings.Split(name, ".")
	if strings.HasPrefix(parts[len(parts)-1], "func") {
		for i := len(parts) - 1; i >= 0; i-- {
			if !strings.HasPrefix(parts[i], "func") {
				return strings.ToLower(parts[i])
			}
		}
	}
	if len(parts) > 1 && parts[0] == strings.ToLower(parts[0]) {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}
