package talk

import (
	"errors"

	"github.com/hoccer/hoccer-talk-spike-sub002/store"
)

// The attachment engine. Attachment progress is a per-delivery sub-state:
// upload transitions are sender-driven and fan out to every delivery row of
// the message, download transitions are receiver-driven and touch only the
// caller's own row. All bookkeeping for one caller is serialized under that
// client's transfer lock.

// CreateFileForStorage allocates private attachment storage for the caller.
func (c *Connection) CreateFileForStorage(contentType string, size int64) (*FileHandle, error) {
	clientID, err := c.gate("createFileForStorage")
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, rpcError("talk: file size must be positive")
	}
	return c.server.files.CreateFileForStorage(clientID, contentType, size)
}

// CreateFileForTransfer allocates a transfer slot for a message attachment.
// The returned file id goes into the message; receivers get the download url.
func (c *Connection) CreateFileForTransfer(contentType string, size int64) (*FileHandle, error) {
	clientID, err := c.gate("createFileForTransfer")
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, rpcError("talk: file size must be positive")
	}
	return c.server.files.CreateFileForTransfer(clientID, contentType, size)
}

// Sender-driven upload transitions.

func (c *Connection) StartedFileUpload(fileID string) error {
	return c.uploadTransition("startedFileUpload", fileID, store.AttachmentStateUploading)
}

func (c *Connection) PausedFileUpload(fileID string) error {
	return c.uploadTransition("pausedFileUpload", fileID, store.AttachmentStateUploadPaused)
}

// FinishedFileUpload completes the upload and tells receivers the attachment
// is ready for download.
func (c *Connection) FinishedFileUpload(fileID string) error {
	return c.uploadTransition("finishedFileUpload", fileID, store.AttachmentStateUploaded)
}

func (c *Connection) AbortedFileUpload(fileID string) error {
	return c.uploadTransition("abortedFileUpload", fileID, store.AttachmentStateUploadAborted)
}

func (c *Connection) FailedFileUpload(fileID string) error {
	return c.uploadTransition("failedFileUpload", fileID, store.AttachmentStateUploadFailed)
}

// Receiver-side acknowledgements of terminal upload outcomes.

func (c *Connection) AcknowledgeAbortedFileUpload(fileID string) error {
	return c.downloadTransition("acknowledgeAbortedFileUpload", fileID, store.AttachmentStateUploadAbortedAcknowledged)
}

func (c *Connection) AcknowledgeFailedFileUpload(fileID string) error {
	return c.downloadTransition("acknowledgeFailedFileUpload", fileID, store.AttachmentStateUploadFailedAcknowledged)
}

// Receiver-driven download transitions, each touching only the caller's row.

func (c *Connection) StartedFileDownload(fileID string) error {
	return c.downloadTransition("startedFileDownload", fileID, store.AttachmentStateDownloading)
}

func (c *Connection) PausedFileDownload(fileID string) error {
	return c.downloadTransition("pausedFileDownload", fileID, store.AttachmentStateDownloadPaused)
}

// FinishedFileDownload completes the download and tells the sender.
func (c *Connection) FinishedFileDownload(fileID string) error {
	return c.downloadTransition("finishedFileDownload", fileID, store.AttachmentStateReceived)
}

func (c *Connection) AbortedFileDownload(fileID string) error {
	return c.downloadTransition("abortedFileDownload", fileID, store.AttachmentStateDownloadAborted)
}

func (c *Connection) FailedFileDownload(fileID string) error {
	return c.downloadTransition("failedFileDownload", fileID, store.AttachmentStateDownloadFailed)
}

// Sender-side acknowledgements of terminal download outcomes.

func (c *Connection) AcknowledgeReceivedFile(fileID, receiverID string) error {
	return c.senderAckTransition("acknowledgeReceivedFile", fileID, receiverID, store.AttachmentStateReceivedAcknowledged)
}

func (c *Connection) AcknowledgeAbortedFileDownload(fileID, receiverID string) error {
	return c.senderAckTransition("acknowledgeAbortedFileDownload", fileID, receiverID, store.AttachmentStateDownloadAbortedAcknowledged)
}

func (c *Connection) AcknowledgeFailedFileDownload(fileID, receiverID string) error {
	return c.senderAckTransition("acknowledgeFailedFileDownload", fileID, receiverID, store.AttachmentStateDownloadFailedAcknowledged)
}

// uploadTransition applies a sender-driven transition to every delivery row
// of the attachment's message. Rows which already moved past the transition
// (e.g. one receiver finished downloading before the sender retried an
// upload call) are skipped, not failed.
func (c *Connection) uploadTransition(method, fileID, next string) error {
	clientID, err := c.gate(method)
	if err != nil {
		return err
	}
	return c.server.transferLocked(clientID, func() error {
		return c.server.run(method+" "+fileID, func() error {
			s := c.server
			message, err := s.attachmentMessage(fileID)
			if err != nil {
				return err
			}
			if message.SenderID != clientID {
				return rpcError("talk: not the sender of this attachment")
			}
			deliveries, err := s.store.DeliveriesForMessage(message.MessageID)
			if err != nil {
				return err
			}
			applied := 0
			for _, d := range deliveries {
				if d.AttachmentState == next {
					applied++
					continue
				}
				if !store.AttachmentStateAllowed(d.AttachmentState, next) {
					continue
				}
				d.AttachmentState = next
				if err := s.store.UpdateDelivery(d); err != nil {
					return err
				}
				applied++
				if next == store.AttachmentStateUploaded ||
					next == store.AttachmentStateUploadAborted ||
					next == store.AttachmentStateUploadFailed {
					receiverID := d.ReceiverID
					messageID := d.MessageID
					s.store.AfterCommit(func() {
						s.agent.RequestAttachmentNotification(receiverID, messageID)
					})
				}
			}
			if applied == 0 {
				return rpcError("talk: illegal attachment state transition to %s", next)
			}
			return nil
		})
	})
}

// downloadTransition applies a receiver-driven transition to the caller's
// own delivery row.
func (c *Connection) downloadTransition(method, fileID, next string) error {
	clientID, err := c.gate(method)
	if err != nil {
		return err
	}
	return c.server.transferLocked(clientID, func() error {
		return c.server.run(method+" "+fileID, func() error {
			s := c.server
			message, err := s.attachmentMessage(fileID)
			if err != nil {
				return err
			}
			d, err := s.store.Delivery(message.MessageID, clientID)
			if errors.Is(err, store.ErrNotFound) {
				return rpcError("talk: no such delivery")
			}
			if err != nil {
				return err
			}
			if !store.AttachmentStateAllowed(d.AttachmentState, next) {
				return rpcError("talk: illegal attachment state transition %s to %s", d.AttachmentState, next)
			}
			d.AttachmentState = next
			if err := s.store.UpdateDelivery(d); err != nil {
				return err
			}
			if next == store.AttachmentStateReceived ||
				next == store.AttachmentStateDownloadAborted ||
				next == store.AttachmentStateDownloadFailed {
				senderID := d.SenderID
				messageID := d.MessageID
				s.store.AfterCommit(func() {
					s.agent.RequestAttachmentNotification(senderID, messageID)
				})
			}
			return nil
		})
	})
}

// senderAckTransition is the sender acknowledging one receiver's terminal
// download outcome.
func (c *Connection) senderAckTransition(method, fileID, receiverID, next string) error {
	clientID, err := c.gate(method)
	if err != nil {
		return err
	}
	return c.server.transferLocked(clientID, func() error {
		return c.server.run(method+" "+fileID, func() error {
			s := c.server
			message, err := s.attachmentMessage(fileID)
			if err != nil {
				return err
			}
			if message.SenderID != clientID {
				return rpcError("talk: not the sender of this attachment")
			}
			d, err := s.store.Delivery(message.MessageID, receiverID)
			if errors.Is(err, store.ErrNotFound) {
				return rpcError("talk: no such delivery")
			}
			if err != nil {
				return err
			}
			if !store.AttachmentStateAllowed(d.AttachmentState, next) {
				return rpcError("talk: illegal attachment state transition %s to %s", d.AttachmentState, next)
			}
			d.AttachmentState = next
			return s.store.UpdateDelivery(d)
		})
	})
}

func (s *Server) attachmentMessage(fileID string) (*store.Message, error) {
	if fileID == "" {
		return nil, rpcError("talk: file id must not be empty")
	}
	message, err := s.store.MessageByAttachmentFileID(fileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpcError("talk: no such attachment")
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}
