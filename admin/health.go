package admin

import (
	"net/http"

	"github.com/nhalm/guardkit/bind"
	"github.com/nhalm/guardkit/conn"
	"github.com/nhalm/guardkit/wrapper"
)

type healthQuery struct {
	Strict bool `query:"strict"`
}

type healthResponse struct {
	State      string `json:"state"`
	Degraded   bool   `json:"degraded"`
	RetryCount int    `json:"retry_count"`
	Connects   int64  `json:"connects"`
	LastError  string `json:"last_error,omitempty"`
}

// Health reports the cache connection. Outside Ready the components serve
// from memory, so the response is 200 with degraded set; ?strict=true turns
// that into 503 for probes that should pull the instance out of rotation.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	var q healthQuery
	if !bind.Query(r, &q) {
		return
	}
	resp := healthResponse{State: "memory", Degraded: true}
	if a.deps.Conn != nil {
		st := a.deps.Conn.Stats()
		resp = healthResponse{
			State:      st.State.String(),
			Degraded:   st.State != conn.Ready,
			RetryCount: st.RetryCount,
			Connects:   st.Connects,
		}
		if st.LastError != nil {
			resp.LastError = st.LastError.Error()
		}
	}

	status := http.StatusOK
	if resp.Degraded && q.Strict {
		status = http.StatusServiceUnavailable
	}
	wrapper.SetResponse(r, status, resp)
}
