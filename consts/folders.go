package consts

// Application names registered with ARI.
const (
	AppVoicemail     = "voicemail"
	AppVoicemailMain = "voicemail-main"
)

// DefaultDomain is used when a call carries no domain argument.
const DefaultDomain = "default"

// InboxDTMF selects the folder new messages are delivered to.
const InboxDTMF = "0"

// DefaultFolder describes a folder seeded by vmail-admin.
type DefaultFolder struct {
	Name      string
	Recording string
	DTMF      string
}

// DefaultFolders mirrors the Asterisk app_voicemail folder layout.
var DefaultFolders = []DefaultFolder{
	{Name: "INBOX", Recording: "sound:vm-INBOX", DTMF: "0"},
	{Name: "Old", Recording: "sound:vm-Old", DTMF: "1"},
	{Name: "Work", Recording: "sound:vm-Work", DTMF: "2"},
	{Name: "Family", Recording: "sound:vm-Family", DTMF: "3"},
	{Name: "Friends", Recording: "sound:vm-Friends", DTMF: "4"},
}
