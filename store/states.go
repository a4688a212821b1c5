package store

// Relationship states for the directed edge (client, other).
const (
	RelationshipNone      = "none"
	RelationshipInvited   = "invited"
	RelationshipInvitedMe = "invitedMe"
	RelationshipFriend    = "friend"
	RelationshipBlocked   = "blocked"
)

// Group presence lifecycle.
const (
	GroupStateExists  = "exists"
	GroupStateDeleted = "deleted"
)

const (
	GroupTypeUser      = "user"
	GroupTypeNearby    = "nearby"
	GroupTypeWorldwide = "worldwide"
)

// Group membership states and roles.
const (
	MembershipStateNone         = "none"
	MembershipStateInvited      = "invited"
	MembershipStateJoined       = "joined"
	MembershipStateGroupRemoved = "groupRemoved"
)

const (
	RoleAdmin           = "admin"
	RoleMember          = "member"
	RoleNearbyMember    = "nearbyMember"
	RoleWorldwideMember = "worldwideMember"
)

const (
	NotificationsEnabled  = "enabled"
	NotificationsDisabled = "disabled"
)

// Delivery states.
const (
	DeliveryStateNew                          = "new"
	DeliveryStateDelivering                   = "delivering"
	DeliveryStateDeliveredUnseen              = "deliveredUnseen"
	DeliveryStateDeliveredSeen                = "deliveredSeen"
	DeliveryStateDeliveredPrivate             = "deliveredPrivate"
	DeliveryStateDeliveredUnseenAcknowledged  = "deliveredUnseenAcknowledged"
	DeliveryStateDeliveredSeenAcknowledged    = "deliveredSeenAcknowledged"
	DeliveryStateDeliveredPrivateAcknowledged = "deliveredPrivateAcknowledged"
	DeliveryStateRejected                     = "rejected"
	DeliveryStateRejectedAcknowledged         = "rejectedAcknowledged"
	DeliveryStateFailed                       = "failed"
	DeliveryStateFailedAcknowledged           = "failedAcknowledged"
	DeliveryStateAborted                      = "aborted"
	DeliveryStateAbortedAcknowledged          = "abortedAcknowledged"
)

// Attachment transfer states of a delivery.
const (
	AttachmentStateNone                        = "none"
	AttachmentStateNew                         = "new"
	AttachmentStateUploading                   = "uploading"
	AttachmentStateUploadPaused                = "uploadPaused"
	AttachmentStateUploaded                    = "uploaded"
	AttachmentStateDownloading                 = "downloading"
	AttachmentStateDownloadPaused              = "downloadPaused"
	AttachmentStateReceived                    = "received"
	AttachmentStateReceivedAcknowledged        = "receivedAcknowledged"
	AttachmentStateUploadAborted               = "uploadAborted"
	AttachmentStateUploadAbortedAcknowledged   = "uploadAbortedAcknowledged"
	AttachmentStateDownloadAborted             = "downloadAborted"
	AttachmentStateDownloadAbortedAcknowledged = "downloadAbortedAcknowledged"
	AttachmentStateUploadFailed                = "uploadFailed"
	AttachmentStateUploadFailedAcknowledged    = "uploadFailedAcknowledged"
	AttachmentStateDownloadFailed              = "downloadFailed"
	AttachmentStateDownloadFailedAcknowledged  = "downloadFailedAcknowledged"
)

// Token lifecycle.
const (
	TokenStateUnused = "unused"
	TokenStateUsed   = "used"
	TokenStateSpent  = "spent"
)

const TokenPurposePairing = "pairing"

// Presence connection states.
const (
	ConnectionStatusOnline     = "online"
	ConnectionStatusBackground = "background"
	ConnectionStatusOffline    = "offline"
)

// APNS delivery modes.
const (
	APNSModeDefault    = "default"
	APNSModeBackground = "background"
	APNSModeDirect     = "direct"
)

// Environment types mirror the group types they map onto.
const (
	EnvironmentTypeNearby    = EnvironmentType(GroupTypeNearby)
	EnvironmentTypeWorldwide = EnvironmentType(GroupTypeWorldwide)
)

type EnvironmentType = string

// deliveryNextStateAllowed is the legal-transition table for delivery states.
// A requested transition absent from this table is a protocol violation and
// must never reach the database.
var deliveryNextStateAllowed = map[string][]string{
	DeliveryStateNew: {
		DeliveryStateDelivering,
		DeliveryStateRejected,
		DeliveryStateFailed,
		DeliveryStateAborted,
	},
	DeliveryStateDelivering: {
		DeliveryStateDeliveredUnseen,
		DeliveryStateDeliveredSeen,
		DeliveryStateDeliveredPrivate,
		DeliveryStateRejected,
		DeliveryStateFailed,
		DeliveryStateAborted,
	},
	DeliveryStateDeliveredUnseen: {
		DeliveryStateDeliveredSeen,
		DeliveryStateDeliveredUnseenAcknowledged,
	},
	DeliveryStateDeliveredSeen: {
		DeliveryStateDeliveredSeenAcknowledged,
	},
	DeliveryStateDeliveredPrivate: {
		DeliveryStateDeliveredPrivateAcknowledged,
	},
	DeliveryStateRejected: {
		DeliveryStateRejectedAcknowledged,
	},
	DeliveryStateFailed: {
		DeliveryStateFailedAcknowledged,
	},
	DeliveryStateAborted: {
		DeliveryStateAbortedAcknowledged,
	},
	DeliveryStateDeliveredUnseenAcknowledged:  {},
	DeliveryStateDeliveredSeenAcknowledged:    {},
	DeliveryStateDeliveredPrivateAcknowledged: {},
	DeliveryStateRejectedAcknowledged:         {},
	DeliveryStateFailedAcknowledged:           {},
	DeliveryStateAbortedAcknowledged:          {},
}

var attachmentNextStateAllowed = map[string][]string{
	AttachmentStateNone: {},
	AttachmentStateNew: {
		AttachmentStateUploading,
		AttachmentStateUploadAborted,
		AttachmentStateUploadFailed,
	},
	AttachmentStateUploading: {
		AttachmentStateUploadPaused,
		AttachmentStateUploaded,
		AttachmentStateUploadAborted,
		AttachmentStateUploadFailed,
	},
	AttachmentStateUploadPaused: {
		AttachmentStateUploading,
		AttachmentStateUploadAborted,
		AttachmentStateUploadFailed,
	},
	AttachmentStateUploaded: {
		AttachmentStateDownloading,
		AttachmentStateDownloadAborted,
		AttachmentStateDownloadFailed,
	},
	AttachmentStateDownloading: {
		AttachmentStateDownloadPaused,
		AttachmentStateReceived,
		AttachmentStateDownloadAborted,
		AttachmentStateDownloadFailed,
	},
	AttachmentStateDownloadPaused: {
		AttachmentStateDownloading,
		AttachmentStateDownloadAborted,
		AttachmentStateDownloadFailed,
	},
	AttachmentStateReceived: {
		AttachmentStateReceivedAcknowledged,
	},
	AttachmentStateUploadAborted: {
		AttachmentStateUploadAbortedAcknowledged,
	},
	AttachmentStateDownloadAborted: {
		AttachmentStateDownloadAbortedAcknowledged,
	},
	AttachmentStateUploadFailed: {
		AttachmentStateUploadFailedAcknowledged,
	},
	AttachmentStateDownloadFailed: {
		AttachmentStateDownloadFailedAcknowledged,
	},
	AttachmentStateReceivedAcknowledged:        {},
	AttachmentStateUploadAbortedAcknowledged:   {},
	AttachmentStateDownloadAbortedAcknowledged: {},
	AttachmentStateUploadFailedAcknowledged:    {},
	AttachmentStateDownloadFailedAcknowledged:  {},
}

func allowed(table map[string][]string, from, to string) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DeliveryStateAllowed reports whether from → to is a legal delivery transition.
func DeliveryStateAllowed(from, to string) bool {
	return allowed(deliveryNextStateAllowed, from, to)
}

// AttachmentStateAllowed reports whether from → to is a legal attachment transition.
func AttachmentStateAllowed(from, to string) bool {
	return allowed(attachmentNextStateAllowed, from, to)
}

// DeliveryStateFinal reports whether no further transition is possible.
func DeliveryStateFinal(state string) bool {
	next, ok := deliveryNextStateAllowed[state]
	return ok && len(next) == 0
}

// ValidDeliveryState reports whether state appears in the transition table at all.
func ValidDeliveryState(state string) bool {
	_, ok := deliveryNextStateAllowed[state]
	return ok
}

// ValidAttachmentState reports whether state appears in the transition table at all.
func ValidAttachmentState(state string) bool {
	_, ok := attachmentNextStateAllowed[state]
	return ok
}
