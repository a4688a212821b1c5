package notify

import (
	"fmt"

	"github.com/sideshow/apns2"
	apns2_certificate "github.com/sideshow/apns2/certificate"

	"github.com/hoccer/hoccer-talk-spike-sub002/config"
	"go.uber.org/zap"
)

type apnsPusher struct {
	client *apns2.Client
	topic  string
	log    *zap.SugaredLogger
}

func newAPNSPusher(c *config.Config, log *zap.SugaredLogger) (*apnsPusher, error) {
	cert, err := apns2_certificate.FromP12File(c.APNSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("notify: error loading apns certificate: %w", err)
	}
	client := apns2.NewClient(cert).Production()
	return &apnsPusher{
		client: client,
		topic:  c.APNSTopic,
		log:    log,
	}, nil
}

func (ap *apnsPusher) push(reg *Registration, req Request) error {
	var body string
	if reg.APNSMode == "background" {
		body = `{"aps":{"content-available":1}}`
	} else {
		body = fmt.Sprintf(`{
			"aps": {
				"mutable-content": 1,
				"badge": %d,
				"alert": {
					"title": "New message available"
				}
			}
		}`, reg.UnreadHint)
	}

	notification := &apns2.Notification{}
	notification.DeviceToken = reg.APNSToken
	notification.Topic = ap.topic
	notification.Payload = []byte(body)

	res, err := ap.client.Push(notification)
	if err != nil {
		return err
	}
	if !res.Sent() {
		return fmt.Errorf("notify: apns push rejected: %s", res.Reason)
	}

	ap.log.Debugf("apns push for %s res %#v", req.ClientID, res)
	return nil
}
