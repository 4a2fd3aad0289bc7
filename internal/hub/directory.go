package hub

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pscheid92/pulsehub/internal/domain"
)

type participant struct {
	identity     domain.Identity
	role         domain.Role
	joinedAt     time.Time
	lastActivity time.Time
	conns        map[domain.ConnID]struct{}
}

type sessionState struct {
	id        uuid.UUID
	kind      string
	status    domain.Status
	settings  domain.Settings
	createdBy string
	createdAt time.Time
	expiresAt time.Time
	endedAt   time.Time

	roster map[string]*participant
	// roles remembers assigned roles across leave/rejoin.
	roles    map[string]domain.Role
	activity []domain.ActivityEntry
}

// connIDs returns every connection attached to the session.
func (s *sessionState) connIDs() []domain.ConnID {
	var ids []domain.ConnID
	for _, p := range s.roster {
		for id := range p.conns {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *sessionState) snapshot() *domain.Session {
	out := &domain.Session{
		ID:           s.id,
		Kind:         s.kind,
		Status:       s.status,
		Settings:     s.settings,
		CreatedBy:    s.createdBy,
		CreatedAt:    s.createdAt,
		ExpiresAt:    s.expiresAt,
		Participants: make([]domain.Participant, 0, len(s.roster)),
		Roles:        make(map[string]domain.Role, len(s.roles)),
		Activity:     slices.Clone(s.activity),
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		out.EndedAt = &ended
	}
	for _, p := range s.roster {
		out.Participants = append(out.Participants, domain.Participant{
			Identity:     p.identity,
			Role:         p.role,
			JoinedAt:     p.joinedAt,
			LastActivity: p.lastActivity,
			Connections:  len(p.conns),
		})
	}
	slices.SortFunc(out.Participants, func(a, b domain.Participant) int {
		return a.JoinedAt.Compare(b.JoinedAt)
	})
	for user, role := range s.roles {
		out.Roles[user] = role
	}
	return out
}

// sessionDirectory maps session ids to their roster and lifecycle state.
type sessionDirectory struct {
	sessions    map[uuid.UUID]*sessionState
	activityCap int
}

func newSessionDirectory(activityCap int) *sessionDirectory {
	return &sessionDirectory{
		sessions:    make(map[uuid.UUID]*sessionState),
		activityCap: activityCap,
	}
}

func (d *sessionDirectory) create(kind string, settings domain.Settings, creator domain.Identity, now time.Time) (*sessionState, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	s := &sessionState{
		id:        uuid.New(),
		kind:      kind,
		status:    domain.StatusActive,
		settings:  settings,
		createdBy: creator.UserID,
		createdAt: now,
		roster:    make(map[string]*participant),
		roles:     map[string]domain.Role{creator.UserID: domain.RoleOwner},
	}
	if settings.ExpiresIn > 0 {
		s.expiresAt = now.Add(settings.ExpiresIn)
	}
	d.sessions[s.id] = s
	return s, nil
}

// adopt installs a session loaded from the store. The roster starts empty:
// only live connections are participants, stored roles are remembered.
func (d *sessionDirectory) adopt(snap *domain.Session) *sessionState {
	if s, ok := d.sessions[snap.ID]; ok {
		return s
	}

	s := &sessionState{
		id:        snap.ID,
		kind:      snap.Kind,
		status:    snap.Status,
		settings:  snap.Settings,
		createdBy: snap.CreatedBy,
		createdAt: snap.CreatedAt,
		expiresAt: snap.ExpiresAt,
		roster:    make(map[string]*participant),
		roles:     make(map[string]domain.Role),
		activity:  slices.Clone(snap.Activity),
	}
	if snap.EndedAt != nil {
		s.endedAt = *snap.EndedAt
	}
	for user, role := range snap.Roles {
		s.roles[user] = role
	}
	for _, p := range snap.Participants {
		if _, ok := s.roles[p.UserID]; !ok {
			s.roles[p.UserID] = p.Role
		}
	}
	if s.createdBy != "" {
		s.roles[s.createdBy] = domain.RoleOwner
	}
	d.trimActivity(s)
	d.sessions[s.id] = s
	return s
}

func (d *sessionDirectory) get(id uuid.UUID) (*sessionState, error) {
	s, ok := d.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// join attaches connID to the session under identity. A second join by the
// same identity reports AlreadyJoined and does not add a roster entry.
// Terminal sessions accept no connections; a paused session still lets a
// participant attach another connection.
func (d *sessionDirectory) join(id uuid.UUID, connID domain.ConnID, identity domain.Identity, role domain.Role, now time.Time) (domain.JoinResult, *sessionState, error) {
	s, err := d.get(id)
	if err != nil {
		return domain.JoinResult{}, nil, err
	}

	if s.status.Terminal() {
		return domain.JoinResult{}, s, fmt.Errorf("%w: %s is %s", domain.ErrSessionNotActive, id, s.status)
	}
	if p, ok := s.roster[identity.UserID]; ok {
		p.conns[connID] = struct{}{}
		p.lastActivity = now
		return domain.JoinResult{AlreadyJoined: true, Role: p.role}, s, nil
	}

	if s.status != domain.StatusActive {
		return domain.JoinResult{}, s, fmt.Errorf("%w: %s is %s", domain.ErrSessionNotActive, id, s.status)
	}
	if len(s.roster) >= s.settings.MaxParticipants {
		return domain.JoinResult{}, s, fmt.Errorf("%w: %d of %d participants", domain.ErrSessionFull, len(s.roster), s.settings.MaxParticipants)
	}

	if remembered, ok := s.roles[identity.UserID]; ok {
		role = remembered
	}
	if !role.Valid() {
		role = domain.RoleViewer
	}
	s.roles[identity.UserID] = role
	s.roster[identity.UserID] = &participant{
		identity:     identity,
		role:         role,
		joinedAt:     now,
		lastActivity: now,
		conns:        map[domain.ConnID]struct{}{connID: {}},
	}
	return domain.JoinResult{Role: role}, s, nil
}

type leaveResult struct {
	session *sessionState
	// removed is set when the identity's last connection left the roster.
	removed *participant
	// completed is set when the roster emptied and an active or paused
	// session was completed.
	completed bool
}

func (d *sessionDirectory) leave(id uuid.UUID, connID domain.ConnID, userID string, now time.Time) (leaveResult, error) {
	s, err := d.get(id)
	if err != nil {
		return leaveResult{}, err
	}

	res := leaveResult{session: s}
	p, ok := s.roster[userID]
	if !ok {
		return res, nil
	}
	if _, attached := p.conns[connID]; !attached {
		return res, nil
	}

	delete(p.conns, connID)
	if len(p.conns) > 0 {
		return res, nil
	}

	delete(s.roster, userID)
	res.removed = p
	if len(s.roster) == 0 && !s.status.Terminal() {
		s.status = domain.StatusCompleted
		s.endedAt = now
		res.completed = true
	}
	return res, nil
}

func (d *sessionDirectory) roleOf(id uuid.UUID, userID string) (domain.Role, error) {
	s, err := d.get(id)
	if err != nil {
		return domain.RoleViewer, err
	}
	if p, ok := s.roster[userID]; ok {
		return p.role, nil
	}
	return domain.RoleViewer, nil
}

// setRole changes the role of a participant. Only the owner may do this and
// the owner's own role is fixed.
func (d *sessionDirectory) setRole(id uuid.UUID, actor, target string, role domain.Role) error {
	s, err := d.get(id)
	if err != nil {
		return err
	}
	if s.status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrSessionNotActive, id, s.status)
	}
	if r, _ := d.roleOf(id, actor); r != domain.RoleOwner {
		return fmt.Errorf("%w: only the owner can change roles", domain.ErrPermissionDenied)
	}
	if !role.Valid() || role == domain.RoleOwner || target == s.createdBy {
		return fmt.Errorf("%w: cannot assign role %q to %s", domain.ErrPermissionDenied, role, target)
	}

	s.roles[target] = role
	if p, ok := s.roster[target]; ok {
		p.role = role
	}
	return nil
}

// recordActivity appends to the bounded activity log. Terminal sessions
// reject writes.
func (d *sessionDirectory) recordActivity(id uuid.UUID, identity domain.Identity, action string, details json.RawMessage, now time.Time) (domain.ActivityEntry, error) {
	s, err := d.get(id)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	if s.status.Terminal() {
		return domain.ActivityEntry{}, fmt.Errorf("%w: %s is %s", domain.ErrSessionNotActive, id, s.status)
	}

	return d.appendActivity(s, identity.UserID, action, details, now), nil
}

// appendActivity records an entry without the terminal-status check. Used
// for lifecycle events the hub itself generates.
func (d *sessionDirectory) appendActivity(s *sessionState, userID, action string, details json.RawMessage, now time.Time) domain.ActivityEntry {
	entry := domain.ActivityEntry{
		ID:      ulid.Make().String(),
		UserID:  userID,
		Action:  action,
		Details: details,
		At:      now,
	}
	s.activity = append(s.activity, entry)
	d.trimActivity(s)

	if p, ok := s.roster[userID]; ok {
		p.lastActivity = now
	}
	return entry
}

func (d *sessionDirectory) trimActivity(s *sessionState) {
	if d.activityCap > 0 && len(s.activity) > d.activityCap {
		s.activity = slices.Clone(s.activity[len(s.activity)-d.activityCap:])
	}
}

// setStatus applies an explicit transition: pause, resume or close.
func (d *sessionDirectory) setStatus(id uuid.UUID, status domain.Status, now time.Time) (*sessionState, error) {
	s, err := d.get(id)
	if err != nil {
		return nil, err
	}
	if s.status.Terminal() {
		return s, fmt.Errorf("%w: %s is %s", domain.ErrSessionNotActive, id, s.status)
	}

	switch status {
	case domain.StatusPaused:
		if s.status != domain.StatusActive {
			return s, fmt.Errorf("%w: cannot pause a %s session", domain.ErrSessionNotActive, s.status)
		}
	case domain.StatusActive:
		if s.status != domain.StatusPaused {
			return s, fmt.Errorf("%w: cannot resume a %s session", domain.ErrSessionNotActive, s.status)
		}
	case domain.StatusCompleted:
		s.endedAt = now
	default:
		return s, fmt.Errorf("%w: unsupported status %q", domain.ErrInvalidSettings, status)
	}
	s.status = status
	return s, nil
}

// expire moves active sessions past their horizon to expired.
func (d *sessionDirectory) expire(now time.Time) []*sessionState {
	var expired []*sessionState
	for _, s := range d.sessions {
		if s.status != domain.StatusActive || s.expiresAt.IsZero() || !now.After(s.expiresAt) {
			continue
		}
		s.status = domain.StatusExpired
		s.endedAt = now
		expired = append(expired, s)
	}
	return expired
}

// archive removes terminal sessions that ended before now-retention and have
// no connections left.
func (d *sessionDirectory) archive(now time.Time, retention time.Duration) []*sessionState {
	cutoff := now.Add(-retention)
	var archived []*sessionState
	for id, s := range d.sessions {
		if !s.status.Terminal() || s.endedAt.After(cutoff) || len(s.roster) > 0 {
			continue
		}
		delete(d.sessions, id)
		archived = append(archived, s)
	}
	return archived
}

func (d *sessionDirectory) counts() (total, active int) {
	for _, s := range d.sessions {
		if s.status == domain.StatusActive {
			active++
		}
	}
	return len(d.sessions), active
}
