package schema

import "strings"

// ValidateGroupFolder ensures a folder name matches [A-Za-z0-9_-] and is not
// a reserved IPC directory name.
func ValidateGroupFolder(folder GroupFolder) error {
	raw := string(folder)
	if raw == "" || len(raw) > 64 {
		return ErrInvalidFolder
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidFolder
	}
	if raw == "errors" || raw == "global" {
		return ErrInvalidFolder
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return ErrInvalidFolder
		}
	}
	return nil
}

// IsDirectChat reports whether a JID addresses a single user rather than a group.
func IsDirectChat(jid ChatJID) bool {
	raw := string(jid)
	return strings.HasSuffix(raw, "@s.whatsapp.net") || strings.HasSuffix(raw, "@lid")
}

// PhoneFromJID returns the user part of a direct-chat JID.
func PhoneFromJID(jid ChatJID) string {
	raw := string(jid)
	if idx := strings.IndexByte(raw, '@'); idx >= 0 {
		raw = raw[:idx]
	}
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		raw = raw[:idx]
	}
	return raw
}
