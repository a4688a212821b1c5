package talk

// methodSpec declares the gating rules of one RPC method. Methods outside
// this table do not exist as far as the wire surface is concerned.
type methodSpec struct {
	// requiresIdentification rejects calls from sessions which never
	// authenticated.
	requiresIdentification bool
	// acceptsHistoricIdentification lets a session which was identified
	// earlier keep calling even after the identified state was lost, e.g.
	// after deleting the account.
	acceptsHistoricIdentification bool
	// requiresCurrentVersion hides the method from legacy subprotocol
	// connections.
	requiresCurrentVersion bool
}

var methodSpecs = map[string]methodSpec{
	"hello":   {},
	"getTime": {},

	"generateId":        {},
	"srpRegister":       {},
	"srpPhase1":         {},
	"srpPhase2":         {},
	"srpChangeVerifier": {requiresIdentification: true},
	"deleteAccount":     {requiresIdentification: true, acceptsHistoricIdentification: true},
	"ready":             {requiresIdentification: true},

	"registerGcm":           {requiresIdentification: true},
	"unregisterGcm":         {requiresIdentification: true},
	"registerApns":          {requiresIdentification: true},
	"unregisterApns":        {requiresIdentification: true},
	"hintApnsUnreadMessage": {requiresIdentification: true},
	"setApnsMode":           {requiresIdentification: true, requiresCurrentVersion: true},

	"updatePresence": {requiresIdentification: true},
	"modifyPresence": {requiresIdentification: true, requiresCurrentVersion: true},
	"getPresences":   {requiresIdentification: true},
	"updateKey":      {requiresIdentification: true},
	"getKey":         {requiresIdentification: true},
	"verifyKey":      {requiresIdentification: true, requiresCurrentVersion: true},

	"inviteFriend":           {requiresIdentification: true, requiresCurrentVersion: true},
	"disinviteFriend":        {requiresIdentification: true, requiresCurrentVersion: true},
	"acceptFriend":           {requiresIdentification: true, requiresCurrentVersion: true},
	"refuseFriend":           {requiresIdentification: true, requiresCurrentVersion: true},
	"blockClient":            {requiresIdentification: true},
	"unblockClient":          {requiresIdentification: true},
	"depairClient":           {requiresIdentification: true},
	"setClientNotifications": {requiresIdentification: true, requiresCurrentVersion: true},
	"getRelationships":       {requiresIdentification: true},
	"isContactOf":            {requiresIdentification: true, requiresCurrentVersion: true},

	"generateToken":        {requiresIdentification: true},
	"generatePairingToken": {requiresIdentification: true},
	"pairByToken":          {requiresIdentification: true},

	"createGroup":            {requiresIdentification: true},
	"createGroupWithMembers": {requiresIdentification: true, requiresCurrentVersion: true},
	"updateGroup":            {requiresIdentification: true},
	"updateGroupName":        {requiresIdentification: true},
	"updateGroupAvatar":      {requiresIdentification: true},
	"updateGroupRole":        {requiresIdentification: true},
	"updateGroupKey":         {requiresIdentification: true},
	"updateMyGroupKey":       {requiresIdentification: true},
	"setGroupNotifications":  {requiresIdentification: true, requiresCurrentVersion: true},
	"deleteGroup":            {requiresIdentification: true},
	"inviteGroupMember":      {requiresIdentification: true},
	"joinGroup":              {requiresIdentification: true},
	"leaveGroup":             {requiresIdentification: true},
	"removeGroupMember":      {requiresIdentification: true},
	"getGroups":              {requiresIdentification: true},
	"getGroup":               {requiresIdentification: true},
	"getGroupMember":         {requiresIdentification: true},
	"getGroupMembers":        {requiresIdentification: true},
	"isMemberInGroups":       {requiresIdentification: true, requiresCurrentVersion: true},
	"areMembersOfGroup":      {requiresIdentification: true, requiresCurrentVersion: true},

	"outDeliveryRequest":             {requiresIdentification: true},
	"inDeliveryConfirmUnseen":        {requiresIdentification: true, requiresCurrentVersion: true},
	"inDeliveryConfirmSeen":          {requiresIdentification: true, requiresCurrentVersion: true},
	"inDeliveryConfirmPrivate":       {requiresIdentification: true, requiresCurrentVersion: true},
	"inDeliveryReject":               {requiresIdentification: true},
	"inDeliveryUnknown":              {requiresIdentification: true, requiresCurrentVersion: true},
	"outDeliveryAcknowledgeUnseen":   {requiresIdentification: true, requiresCurrentVersion: true},
	"outDeliveryAcknowledgeSeen":     {requiresIdentification: true, requiresCurrentVersion: true},
	"outDeliveryAcknowledgePrivate":  {requiresIdentification: true, requiresCurrentVersion: true},
	"outDeliveryAcknowledgeRejected": {requiresIdentification: true, requiresCurrentVersion: true},
	"outDeliveryAcknowledgeFailed":   {requiresIdentification: true, requiresCurrentVersion: true},
	"outDeliveryAbort":               {requiresIdentification: true},
	"outDeliveryUnknown":             {requiresIdentification: true, requiresCurrentVersion: true},

	"createFileForStorage":           {requiresIdentification: true},
	"createFileForTransfer":          {requiresIdentification: true},
	"startedFileUpload":              {requiresIdentification: true, requiresCurrentVersion: true},
	"pausedFileUpload":               {requiresIdentification: true, requiresCurrentVersion: true},
	"finishedFileUpload":             {requiresIdentification: true, requiresCurrentVersion: true},
	"abortedFileUpload":              {requiresIdentification: true, requiresCurrentVersion: true},
	"failedFileUpload":               {requiresIdentification: true, requiresCurrentVersion: true},
	"acknowledgeAbortedFileUpload":   {requiresIdentification: true, requiresCurrentVersion: true},
	"acknowledgeFailedFileUpload":    {requiresIdentification: true, requiresCurrentVersion: true},
	"startedFileDownload":            {requiresIdentification: true, requiresCurrentVersion: true},
	"pausedFileDownload":             {requiresIdentification: true, requiresCurrentVersion: true},
	"finishedFileDownload":           {requiresIdentification: true, requiresCurrentVersion: true},
	"abortedFileDownload":            {requiresIdentification: true, requiresCurrentVersion: true},
	"failedFileDownload":             {requiresIdentification: true, requiresCurrentVersion: true},
	"acknowledgeReceivedFile":        {requiresIdentification: true, requiresCurrentVersion: true},
	"acknowledgeAbortedFileDownload": {requiresIdentification: true, requiresCurrentVersion: true},
	"acknowledgeFailedFileDownload":  {requiresIdentification: true, requiresCurrentVersion: true},

	"updateEnvironment":  {requiresIdentification: true, requiresCurrentVersion: true},
	"destroyEnvironment": {requiresIdentification: true, requiresCurrentVersion: true},
	"releaseEnvironment": {requiresIdentification: true, requiresCurrentVersion: true},
}

// gate enforces the method's declared gating rules and returns the effective
// caller id for methods that need one.
func (c *Connection) gate(method string) (string, error) {
	spec, ok := methodSpecs[method]
	if !ok {
		return "", rpcError("talk: no such method %s", method)
	}
	if spec.requiresCurrentVersion && c.legacy() {
		return "", ErrClientOutdated
	}
	if !spec.requiresIdentification {
		return c.clientID(), nil
	}
	if c.identified() {
		return c.clientID(), nil
	}
	if spec.acceptsHistoricIdentification && c.wasLoggedIn && c.lastClientID != "" {
		return c.lastClientID, nil
	}
	return "", ErrNotLoggedIn
}
