package app

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gorilla/mux"
)

// mountPprof serves the runtime profiles beneath r, which must be a
// subrouter rooted at prefix.
func mountPprof(r *mux.Router, prefix string) {
	canon := strings.TrimSuffix(prefix, "/") + "/"
	r.HandleFunc("/cmdline", hpprof.Cmdline)
	r.HandleFunc("/profile", hpprof.Profile)
	r.HandleFunc("/symbol", hpprof.Symbol)
	r.HandleFunc("/trace", hpprof.Trace)
	r.HandleFunc("", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, canon, http.StatusPermanentRedirect)
	})
	// pprof.Index only understands /debug/pprof/<name>
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r2 := req.Clone(req.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(req.URL.Path, canon)
		hpprof.Index(w, r2)
	})
}
