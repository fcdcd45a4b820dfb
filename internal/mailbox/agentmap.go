package mailbox

import (
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/hiveforge/hiveforge/internal/fsutil"
)

// nameList decodes either a single string or a list of strings.
type nameList []string

func (n *nameList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*n = nameList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*n = many
	return nil
}

// AgentMap translates local role ids to remote mail identities and back.
// Several local ids may share one remote identity.
type AgentMap struct {
	InternalToVendor map[string]string   `json:"internal_to_vendor"`
	VendorToInternal map[string]nameList `json:"vendor_to_internal"`
	ModelToVendor    map[string]string   `json:"model_to_vendor"`
}

func newAgentMap() *AgentMap {
	return &AgentMap{
		InternalToVendor: map[string]string{},
		VendorToInternal: map[string]nameList{},
		ModelToVendor:    map[string]string{},
	}
}

// Add records internal <-> vendor and reports whether anything changed.
func (m *AgentMap) Add(internal, vendor string) bool {
	changed := false
	if m.InternalToVendor[internal] != vendor {
		m.InternalToVendor[internal] = vendor
		changed = true
	}
	names := m.VendorToInternal[vendor]
	if !slices.Contains(names, internal) {
		m.VendorToInternal[vendor] = append(names, internal)
		changed = true
	}
	return changed
}

// Resolve maps a remote identity back to a local id. An identity shared by
// several local ids is ambiguous and resolves to "". Unknown identities
// resolve to themselves.
func (m *AgentMap) Resolve(vendor string) string {
	if vendor == "" {
		return ""
	}
	names, ok := m.VendorToInternal[vendor]
	if !ok || len(names) == 0 {
		return vendor
	}
	if len(names) == 1 {
		return names[0]
	}
	return ""
}

// agentMapFile persists an AgentMap as JSON. It is re-read on every use so
// role processes sharing a mail root see each other's registrations.
type agentMapFile struct {
	path string
}

func newAgentMapFile(root string) agentMapFile {
	return agentMapFile{path: filepath.Join(root, "agent-map.json")}
}

func (f agentMapFile) Load() (*AgentMap, error) {
	m := newAgentMap()
	var stored AgentMap
	if err := fsutil.ReadJSON(f.path, &stored); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, nil
		}
		return nil, err
	}
	for k, v := range stored.InternalToVendor {
		m.InternalToVendor[k] = v
	}
	for k, v := range stored.VendorToInternal {
		m.VendorToInternal[k] = v
	}
	for k, v := range stored.ModelToVendor {
		m.ModelToVendor[k] = v
	}
	return m, nil
}

func (f agentMapFile) Save(m *AgentMap) error {
	return fsutil.WriteJSONAtomic(f.path, m)
}
