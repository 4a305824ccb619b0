package ingest

import (
	"html"
	"strconv"
	"strings"
	"time"

	"hostaudit/core"
	"hostaudit/util"
)

var (
	providerPattern    = util.MustPattern("provider", `<Provider[^>]*Name="([^"]+)"`)
	channelPattern     = util.MustPattern("channel", `<Channel>([^<]*)</Channel>`)
	levelPattern       = util.MustPattern("level", `<Level>([^<]*)</Level>`)
	recordIDPattern    = util.MustPattern("record_id", `<EventRecordID>(\d+)</EventRecordID>`)
	eventIDPattern     = util.MustPattern("event_id", `<EventID[^>]*>(\d+)</EventID>`)
	systemTimePattern  = util.MustPattern("system_time", `TimeCreated[^>]*SystemTime="([^"]+)"`)
	messagePattern     = util.MustPattern("message", `<Message>(.*?)</Message>`)
	renderingPattern   = util.MustPattern("rendering_info", `<RenderingInfo[^>]*>(.*?)</RenderingInfo>`)
	tagPattern         = util.MustPattern("tag", `<[^>]+>`)
	dataPattern        = util.MustPattern("data", `<Data\s+Name="([^"]+)">([^<]*)</Data>`)
	sourceAddrPattern  = util.MustPattern("source_address", `Source Network Address:\s*([^\s]+)`)
	logonAccount       = util.MustPattern("logon_account", `New Logon:.*?Account Name:\s*(.*?)\s*(?=Account Domain:)`)
	failedLogonAccount = util.MustPattern("failed_logon_account", `Account For Which Logon Failed:.*?Account Name:\s*(.*?)\s*(?=Account Domain:)`)
	groupMemberAccount = util.MustPattern("group_member_account", `Member:.*?Account Name:\s*(.*?)\s*(?=Group:|Group Name:|Group Domain:|Additional Information:|$)`)
)

// accountFieldFallbacks are consulted in order when the message yields no account.
var accountFieldFallbacks = []string{"TargetUserName", "TargetUser", "MemberName", "SubjectUserName"}

const eventBlockMarker = "<event "

// ParseEvents turns a RenderedXml batch into events. Every block that opens
// with "<Event " yields one record; missing pieces get defaults instead of
// failing the batch. Source and Host are left for the caller to stamp.
func ParseEvents(raw string, now time.Time) []core.SecurityEvent {
	blocks := splitEventBlocks(raw)
	events := make([]core.SecurityEvent, 0, len(blocks))
	for _, block := range blocks {
		events = append(events, parseBlock(block, now))
	}
	return events
}

// splitEventBlocks cuts raw before each case-insensitive "<Event ".
func splitEventBlocks(raw string) []string {
	lower := strings.ToLower(raw)
	var starts []int
	for i := 0; ; {
		j := strings.Index(lower[i:], eventBlockMarker)
		if j < 0 {
			break
		}
		starts = append(starts, i+j)
		i += j + len(eventBlockMarker)
	}

	blocks := make([]string, 0, len(starts))
	for k, start := range starts {
		end := len(raw)
		if k+1 < len(starts) {
			end = starts[k+1]
		}
		blocks = append(blocks, raw[start:end])
	}
	return blocks
}

func parseBlock(block string, now time.Time) core.SecurityEvent {
	ev := core.SecurityEvent{
		Provider: core.DefaultProvider,
		Channel:  core.DefaultChannel,
		IP:       core.NotApplicableIP,
	}

	if v, ok := providerPattern.Capture(block); ok && v != "" {
		ev.Provider = v
	}
	if v, ok := channelPattern.Capture(block); ok && v != "" {
		ev.Channel = v
	}
	if v, ok := levelPattern.Capture(block); ok {
		ev.Level = v
	}
	if v, ok := recordIDPattern.Capture(block); ok {
		ev.RecordID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := eventIDPattern.Capture(block); ok {
		ev.EventID, _ = strconv.Atoi(v)
	}
	ts, _ := systemTimePattern.Capture(block)
	ev.Time = core.ParseTimestamp(ts, now)

	ev.Message = messageText(block)
	ev.Fields = dataMap(block)

	account := ExtractAccount(ev.EventID, ev.Message, ev.Fields)
	ev.Account = account
	ev.Target = account

	ip, _ := sourceAddrPattern.Capture(ev.Message)
	ev.IP = normalizeIP(ip)
	return ev
}

// messageText returns the rendered message with tags stripped, entities
// decoded and whitespace collapsed. RenderingInfo is used when no Message element exists.
func messageText(block string) string {
	raw, ok := messagePattern.Capture(block)
	if !ok {
		raw, _ = renderingPattern.Capture(block)
	}
	return cleanText(tagPattern.ReplaceAll(raw, ""))
}

func cleanText(s string) string {
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}

func dataMap(block string) map[string]string {
	pairs := dataPattern.CaptureAll(block)
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p[0]] = strings.TrimSpace(html.UnescapeString(p[1]))
	}
	return m
}

// ExtractAccount resolves the subject account of an event: first from the
// event-specific message layout, then from the common data fields.
// Unresolved names ("", "-", "N/A") yield nil.
func ExtractAccount(eventID int, message string, fields map[string]string) *string {
	var account string
	switch eventID {
	case core.EventIDLogonSuccess:
		account, _ = logonAccount.Capture(message)
	case core.EventIDLogonFailure:
		account, _ = failedLogonAccount.Capture(message)
	case core.EventIDGlobalGroupAdd, core.EventIDLocalGroupAdd:
		account, _ = groupMemberAccount.Capture(message)
	}

	if account == "" {
		for _, name := range accountFieldFallbacks {
			if v := fields[name]; v != "" {
				account = v
				break
			}
		}
	}
	return normalizeAccount(cleanText(account))
}

func normalizeAccount(s string) *string {
	s = strings.TrimSpace(s)
	switch s {
	case "", "-", core.NotApplicableIP:
		return nil
	}
	return &s
}

func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return core.NotApplicableIP
	}
	return s
}

// MaxRecordID returns the highest record id in events, or floor if none is higher.
func MaxRecordID(events []core.SecurityEvent, floor int64) int64 {
	max := floor
	for i := range events {
		if events[i].RecordID > max {
			max = events[i].RecordID
		}
	}
	return max
}

// AfterBookmark drops events the bookmark already covers. Events without a
// record id are kept only while the bookmark is still at zero.
func AfterBookmark(events []core.SecurityEvent, b *core.Bookmark) []core.SecurityEvent {
	if b == nil || b.LastRecordID == 0 {
		return events
	}
	out := make([]core.SecurityEvent, 0, len(events))
	for _, e := range events {
		if !b.Covers(e.RecordID) {
			out = append(out, e)
		}
	}
	return out
}
