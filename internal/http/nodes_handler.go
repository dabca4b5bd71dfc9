package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/golang/glog"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/internal/harvest"
	"github.com/xmidt-org/talaria/sensorlink/runtime"
)

// SessionFunc returns the live session, or nil between connections.
type SessionFunc func() *runtime.Session

// NodesHandler serves a snapshot of the current session's event nodes.
func NodesHandler(current SessionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		out := struct {
			Session   string             `json:"session,omitempty"`
			Connected bool               `json:"connected"`
			Nodes     []runtime.NodeInfo `json:"nodes"`
			Count     int                `json:"count"`
		}{Nodes: []runtime.NodeInfo{}}
		if s := current(); s != nil {
			out.Session = s.ID()
			out.Connected = s.Err() == nil
			out.Nodes = s.Nodes()
		}
		out.Count = len(out.Nodes)
		writeJSON(w, http.StatusOK, out)
	}
}

// DrainHandler recovers the node retained under the {identifier} path value
// and drains its log. ?stop_after=true also stops logging.
func DrainHandler(current SessionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		id := r.PathValue("identifier")
		stopAfter, _ := strconv.ParseBool(r.URL.Query().Get("stop_after"))
		s := current()
		if s == nil {
			writeError(w, sensorlink.ErrNotConnected)
			return
		}
		res, err := harvest.Drain(r.Context(), s, id, stopAfter)
		if err != nil {
			glog.Infof("[http]drain %q: %v\n", id, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sensorlink.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, sensorlink.ErrNotConnected), errors.Is(err, sensorlink.ErrTransportFailure):
		code = http.StatusServiceUnavailable
	case errors.Is(err, sensorlink.ErrDefinitionMismatch), errors.Is(err, sensorlink.ErrDrainInProgress):
		code = http.StatusConflict
	case errors.Is(err, sensorlink.ErrNotLogging), errors.Is(err, sensorlink.ErrInvalidParameter):
		code = http.StatusBadRequest
	case errors.Is(err, sensorlink.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{err.Error()})
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
