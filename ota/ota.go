// Package ota implements Golioth's over-the-air firmware update flow:
// observing the desired-manifest document, downloading a named component
// block by block, and reporting update state/reason back to the server.
// Grounded on golioth_ota.c/golioth_ota.h.
package ota

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golioth-contrib/coap-device-client/coapclient"
)

const (
	manifestPath        = ".u/desired"
	componentPathPrefix = ".u/c/"
)

// State mirrors golioth_ota_state_t.
type State int

const (
	StateIdle State = iota
	StateDownloading
	StateDownloaded
	StateUpdating
)

// Reason mirrors golioth_ota_reason_t.
type Reason int

const (
	ReasonReady Reason = iota
	ReasonFirmwareUpdatedSuccessfully
	ReasonNotEnoughFlashMemory
	ReasonOutOfRAM
	ReasonConnectionLost
	ReasonIntegrityCheckFailure
	ReasonUnsupportedPackageType
	ReasonInvalidURI
	ReasonFirmwareUpdateFailed
	ReasonUnsupportedProtocol
)

// Component describes one updatable package within a manifest.
type Component struct {
	Package string `json:"package"`
	Version string `json:"version"`
	Size    int32  `json:"size"`
}

// Manifest is the desired-state document the server publishes to
// ".u/desired", grounded on golioth_ota_payload_as_manifest.
type Manifest struct {
	SequenceNumber int32       `json:"sequenceNumber"`
	Components     []Component `json:"components"`
}

// FindComponent returns the component named package, or nil if the
// manifest does not list it, mirroring golioth_ota_find_component.
func (m Manifest) FindComponent(pkg string) *Component {
	for i := range m.Components {
		if m.Components[i].Package == pkg {
			return &m.Components[i]
		}
	}
	return nil
}

// SizeToNumBlocks returns how many coapclient.BlockSize-sized blocks a
// component of the given size requires, grounded on
// golioth_ota_size_to_nblocks.
func SizeToNumBlocks(componentSize int32) int {
	return coapclient.NBlocksForSize(int(componentSize))
}

// Updater drives OTA manifest observation, component download, and state
// reporting over one coapclient.Client.
type Updater struct {
	client *coapclient.Client
}

// New wraps client for OTA use.
func New(client *coapclient.Client) *Updater {
	return &Updater{client: client}
}

// ObserveManifest subscribes to the desired-manifest document. cb is
// invoked with the decoded manifest on every change. Notifications that
// are not 2.xx, carry no body, or fail to decode as a manifest are
// dropped without calling cb. The returned Status only reports whether
// the subscription was submitted.
func (u *Updater) ObserveManifest(ctx context.Context, cb func(Manifest)) coapclient.Status {
	return u.client.Observe(ctx, manifestPath, coapclient.ContentTypeJSON, func(resp coapclient.ServerResponse, body []byte) {
		if !resp.Ok() || len(body) == 0 {
			return
		}
		var m Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return
		}
		cb(m)
	})
}

// componentPath builds the ".u/c/package@version" path GetBlock
// downloads a component's blocks from. ReportState posts to
// ".u/c/package" instead, without the version.
func componentPath(pkg, version string) string {
	return fmt.Sprintf("%s%s@%s", componentPathPrefix, pkg, version)
}

// GetBlock downloads a single BlockSize-sized block of a component,
// grounded on golioth_ota_get_block_sync.
func (u *Updater) GetBlock(ctx context.Context, pkg, version string, blockIndex uint32) ([]byte, coapclient.ServerResponse) {
	return u.client.GetBlockSync(ctx, componentPath(pkg, version), blockIndex)
}

// Download fetches every block of a component in order, calling onBlock
// once per block, and stops at the first block shorter than
// coapclient.BlockSize (the server's end-of-transfer signal) or the first
// error.
func (u *Updater) Download(ctx context.Context, pkg, version string, onBlock func(index uint32, data []byte) error) coapclient.ServerResponse {
	for index := uint32(0); ; index++ {
		data, resp := u.GetBlock(ctx, pkg, version, index)
		if !resp.Ok() {
			return resp
		}
		if err := onBlock(index, data); err != nil {
			return coapclient.ServerResponse{Status: coapclient.StatusFail}
		}
		if len(data) < coapclient.BlockSize {
			return resp
		}
	}
}

// reportBody is the wire shape golioth_ota_report_state serializes with
// cJSON before POSTing it to the component's path.
type reportBody struct {
	State   State  `json:"state"`
	Reason  Reason `json:"reason"`
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
	Target  string `json:"target,omitempty"`
}

// ReportState posts the current update state/reason for package to the
// server. currentVersion and targetVersion may be empty, mirroring the
// original's optional current_version/target_version parameters.
func (u *Updater) ReportState(ctx context.Context, state State, reason Reason, pkg, currentVersion, targetVersion string) coapclient.ServerResponse {
	body, err := json.Marshal(reportBody{
		State:   state,
		Reason:  reason,
		Package: pkg,
		Version: currentVersion,
		Target:  targetVersion,
	})
	if err != nil {
		return coapclient.ServerResponse{Status: coapclient.StatusSerialize}
	}
	return u.client.PostSync(ctx, componentPathPrefix+pkg, coapclient.ContentTypeJSON, body)
}
