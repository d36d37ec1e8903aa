package client

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/callstorm/callstorm/internal/esl"
	"github.com/callstorm/callstorm/internal/node"
	"github.com/google/uuid"
)

// Placeholders substituted into the cached command template per call.
const (
	UUIDPlaceholder  = "{uuid_str}"
	AppIDPlaceholder = "{app_id}"
)

// xheaderPrefix turns a bare name into a SIP X-header channel variable.
const xheaderPrefix = "sip_h_X-"

// OriginateSpec describes the outbound call command. Zero values take the
// documented defaults. DestURL and Params values may carry {field}
// placeholders substituted per call from rep fields.
type OriginateSpec struct {
	// DestURL is the callee address, <user>@<host>[:<port>].
	DestURL string
	// Profile selects the sofia UA profile. Default "external".
	Profile string
	// Gateway routes through sofia/gateway/<name> instead of a profile.
	Gateway string
	// Proxy inserts a first hop as ;fs_path=sip:<proxy>.
	Proxy string
	// AppName runs &<app>(<args>) on the a-leg. Empty sends the a-leg to
	// the dialplan at DPExten/DPType/DPContext instead.
	AppName   string
	AppArgs   string
	DPExten   string // default "park"
	DPType    string // default "xml"
	DPContext string // default "default"

	Timeout        time.Duration // originate_timeout, default 60s
	CallerIDName   string        // default "callstorm"
	CallerIDNumber string        // default "callstorm"
	Codec          string        // originator_codec, default "PCMU"
	AbsCodec       string        // absolute_codec_string, empty by default

	// XHeaders are injected as sip_h_X-* variables; names already carrying
	// the prefix are kept as is.
	XHeaders map[string]string
	// Params override or extend the generated channel variables.
	Params map[string]string
}

func (spec OriginateSpec) withDefaults() OriginateSpec {
	if spec.Profile == "" {
		spec.Profile = "external"
	}
	if spec.DPExten == "" {
		spec.DPExten = "park"
	}
	if spec.DPType == "" {
		spec.DPType = "xml"
	}
	if spec.DPContext == "" {
		spec.DPContext = "default"
	}
	if spec.Timeout == 0 {
		spec.Timeout = 60 * time.Second
	}
	if spec.CallerIDName == "" {
		spec.CallerIDName = "callstorm"
	}
	if spec.CallerIDNumber == "" {
		spec.CallerIDNumber = "callstorm"
	}
	if spec.Codec == "" {
		spec.Codec = "PCMU"
	}
	return spec
}

// buildOriginateCmd renders the reusable command template, leaving the
// {uuid_str} and {app_id} placeholders in place for per-call substitution.
// Channel variables are emitted sorted so the template is deterministic.
func buildOriginateCmd(spec OriginateSpec, appIDVar, callTrackingVar string) string {
	spec = spec.withDefaults()
	params := map[string]string{
		"origination_uuid":             UUIDPlaceholder,
		"originate_timeout":            strconv.Itoa(int(spec.Timeout.Seconds())),
		"origination_caller_id_name":   spec.CallerIDName,
		"origination_caller_id_number": spec.CallerIDNumber,
		"originator_codec":             spec.Codec,
		"absolute_codec_string":        spec.AbsCodec,
		"ignore_display_updates":       "true",
		"ignore_early_media":           "true",
		appIDVar:                       AppIDPlaceholder,
		callTrackingVar:                UUIDPlaceholder,
	}
	for name, val := range spec.XHeaders {
		if !strings.HasPrefix(name, xheaderPrefix) {
			name = xheaderPrefix + name
		}
		params[name] = val
	}
	for name, val := range spec.Params {
		params[name] = val
	}

	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)

	endpoint := spec.Profile
	if spec.Gateway != "" {
		endpoint = "gateway/" + spec.Gateway
	}
	var fsPath string
	if spec.Proxy != "" {
		fsPath = ";fs_path=sip:" + spec.Proxy
	}

	appPart := fmt.Sprintf("%s %s %s", spec.DPExten, spec.DPType, spec.DPContext)
	if spec.AppName != "" {
		appPart = fmt.Sprintf("&%s(%s)", spec.AppName, spec.AppArgs)
	}

	return fmt.Sprintf("originate {%s}sofia/%s/%s%s %s",
		strings.Join(pairs, ","), endpoint, spec.DestURL, fsPath, appPart)
}

// SetOriginate builds and caches the originate command used by Originate.
// The call tracking variable comes from the paired listener so originated
// legs group into the same call.
func (c *Client) SetOriginate(spec OriginateSpec) error {
	if spec.DestURL == "" {
		return &esl.ConfigurationError{Msg: "originate spec requires a destination url"}
	}
	tracking := strings.TrimPrefix(c.listener.CallTrackingHeader(), "variable_")
	cmd := buildOriginateCmd(spec, node.AppVarName, tracking)
	c.mu.Lock()
	c.origCmd = cmd
	c.mu.Unlock()
	return nil
}

// OriginateCmd returns the cached command template, empty when unset.
func (c *Client) OriginateCmd() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origCmd
}

// Originate starts one outbound call: a fresh session uuid and the app id
// are substituted into the cached template along with any rep fields, and
// the command goes out via bgapi inside the job registration block. The
// returned job settles when the server reports the origination outcome.
func (c *Client) Originate(ctx context.Context, appID string, repFields map[string]string) (*node.Job, error) {
	tmpl := c.OriginateCmd()
	if tmpl == "" {
		return nil, &esl.ConfigurationError{Msg: "you must first set an originate command"}
	}
	if appID == "" {
		appID = c.id
	}
	sessUUID := uuid.NewString()

	oldnew := make([]string, 0, 2*(len(repFields)+2))
	oldnew = append(oldnew, UUIDPlaceholder, sessUUID, AppIDPlaceholder, appID)
	for field, val := range repFields {
		oldnew = append(oldnew, "{"+field+"}", val)
	}
	cmd := strings.NewReplacer(oldnew...).Replace(tmpl)

	return c.bgAPI(ctx, cmd, sessUUID, appID, nil)
}
