package rpc

import (
	"sort"
	"sync"
	"time"
)

// AgentSession is the last-seen state of one named agent within a
// workspace, updated by agent.whoami/agent.status calls. It is entirely
// in-memory and scoped to this daemon process's lifetime.
type AgentSession struct {
	AgentID     string    `json:"agent_id"`
	WorkspaceID string    `json:"workspace_id"`
	Status      string    `json:"status"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// SectionClaim is one advisory lease held by an agent over a document
// section, acquired and released through agent.claim.
type SectionClaim struct {
	DocID     string    `json:"doc_id"`
	SectionID string    `json:"section_id"`
	Heading   string    `json:"heading"`
	AgentID   string    `json:"agent_id"`
	Intent    string    `json:"intent"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// AgentRegistry backs agent.whoami/status/list/claim/conflicts: a
// process-wide, workspace-scoped table of which agents are active and
// which sections they currently hold advisory claims on. Nothing here
// is persisted across a daemon restart — agent presence and claims are
// a live coordination aid, not a durable record (unlike the document
// data itself, which WAL/snapshot cover).
type AgentRegistry struct {
	mu       sync.Mutex
	sessions map[string]*AgentSession           // agentID -> session
	claims   map[string]map[string]*SectionClaim // docID -> sectionID -> claim
}

// NewAgentRegistry returns an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		sessions: make(map[string]*AgentSession),
		claims:   make(map[string]map[string]*SectionClaim),
	}
}

// Touch records agentID as seen in workspaceID with the given status,
// creating its session on first contact.
func (r *AgentRegistry) Touch(agentID, workspaceID, status string) *AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[agentID]
	if !ok {
		sess = &AgentSession{AgentID: agentID, WorkspaceID: workspaceID}
		r.sessions[agentID] = sess
	}
	if workspaceID != "" {
		sess.WorkspaceID = workspaceID
	}
	if status != "" {
		sess.Status = status
	}
	sess.LastSeenAt = time.Now().UTC()
	return sess
}

// Get returns agentID's session, or nil if it has never been touched.
func (r *AgentRegistry) Get(agentID string) *AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}

// List returns every known agent session for workspaceID, sorted by
// agent id for a stable response ordering. An empty workspaceID lists
// every agent across all workspaces.
func (r *AgentRegistry) List(workspaceID string) []*AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AgentSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if workspaceID == "" || sess.WorkspaceID == workspaceID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Claim acquires or releases an advisory lease, returning the resulting
// claim (nil after a release) and a warning string when a claim was
// granted over a section another agent already held.
func (r *AgentRegistry) Claim(docID, sectionID, heading, agentID, intent string, release bool) (claim *SectionClaim, warning string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bySection, ok := r.claims[docID]
	if !ok {
		bySection = make(map[string]*SectionClaim)
		r.claims[docID] = bySection
	}

	if release {
		delete(bySection, sectionID)
		return nil, ""
	}

	if existing, held := bySection[sectionID]; held && existing.AgentID != agentID {
		warning = "section already claimed by " + existing.AgentID
	}

	claim = &SectionClaim{
		DocID:     docID,
		SectionID: sectionID,
		Heading:   heading,
		AgentID:   agentID,
		Intent:    intent,
		ClaimedAt: time.Now().UTC(),
	}
	bySection[sectionID] = claim
	return claim, warning
}

// SectionOverlap reports two or more distinct agents holding claims on
// the same document's sections at once, surfaced by agent.conflicts.
type SectionOverlap struct {
	DocID   string          `json:"doc_id"`
	Claims  []*SectionClaim `json:"claims"`
	AgentID []string        `json:"agent_ids"`
}

// Conflicts returns every document where two or more distinct agents
// currently hold section claims. An empty docID scans all claimed
// documents regardless of workspace; a non-empty docID narrows the scan
// to that document only.
func (r *AgentRegistry) Conflicts(docID string) []SectionOverlap {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []SectionOverlap
	for doc, bySection := range r.claims {
		if docID != "" && doc != docID {
			continue
		}
		agentSet := make(map[string]bool)
		claims := make([]*SectionClaim, 0, len(bySection))
		for _, c := range bySection {
			claims = append(claims, c)
			agentSet[c.AgentID] = true
		}
		if len(agentSet) < 2 {
			continue
		}
		agents := make([]string, 0, len(agentSet))
		for a := range agentSet {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		sort.Slice(claims, func(i, j int) bool { return claims[i].SectionID < claims[j].SectionID })
		out = append(out, SectionOverlap{DocID: doc, Claims: claims, AgentID: agents})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}
