package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub002/config"
	"go.uber.org/zap"
)

// gcmPusher posts directly against the GCM/FCM legacy HTTP endpoint.
type gcmPusher struct {
	client   *http.Client
	endpoint string
	apiKey   string
	log      *zap.SugaredLogger
}

func newGCMPusher(c *config.Config, log *zap.SugaredLogger) *gcmPusher {
	return &gcmPusher{
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: c.GCMEndpoint,
		apiKey:   c.GCMAPIKey,
		log:      log,
	}
}

type gcmMessage struct {
	To                string            `json:"to"`
	RestrictedPackage string            `json:"restricted_package_name,omitempty"`
	CollapseKey       string            `json:"collapse_key,omitempty"`
	Data              map[string]string `json:"data"`
}

func (gp *gcmPusher) push(reg *Registration, req Request) error {
	body, err := json.Marshal(&gcmMessage{
		To:                reg.GCMRegistration,
		RestrictedPackage: reg.GCMPackage,
		CollapseKey:       req.Kind,
		Data:              map[string]string{"kind": req.Kind},
	})
	if err != nil {
		return fmt.Errorf("notify: error encoding gcm message: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, gp.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: error building gcm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "key="+gp.apiKey)

	res, err := gp.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: gcm push rejected with status %d", res.StatusCode)
	}

	gp.log.Debugf("gcm push for %s ok", req.ClientID)
	return nil
}
