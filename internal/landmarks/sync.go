package landmarks

import (
	"encoding/json"
	"sort"
)

// FieldPatch maps field keys to their latest serialized values.
type FieldPatch map[FieldKey]json.RawMessage

// Delta is the minimal set of changes a syncing client needs. With no cursor
// the full table is returned instead of a patch set. Deleted identifiers are
// tombstones the client should drop locally.
type Delta struct {
	Full    bool
	Table   Table
	Changes map[LandmarkID]FieldPatch
	Deleted []LandmarkID
}

// Since computes the delta of landmark changes at or after the cursor
// (unix milliseconds, inclusive), excluding entries the requesting actor
// wrote itself so a client never re-receives its own edits. A nil cursor
// yields the full current table. The fold is last-write-wins per
// (landmark, field) in log order; log position, not the timestamp value,
// decides who wins.
func (s *Store) Since(cursor *int64, actor string) (Delta, error) {
	if cursor == nil {
		table, err := s.GetAll()
		if err != nil {
			return Delta{}, err
		}
		return Delta{Full: true, Table: table}, nil
	}

	replay, err := s.log.ReplayFrom(*cursor)
	if err != nil {
		return Delta{}, newServiceError(opSinceLandmarks, "open_replay", err)
	}
	defer replay.Close()

	delta, err := foldDelta(replay, actor)
	if err != nil {
		return Delta{}, newServiceError(opSinceLandmarks, "replay", err)
	}
	return delta, nil
}

// foldDelta folds replayed entries into per-landmark field patches and
// deletion tombstones.
func foldDelta(replay *Replay, actor string) (Delta, error) {
	changes := make(map[LandmarkID]FieldPatch)
	deleted := make(map[LandmarkID]struct{})

	for {
		entry, ok := replay.Next()
		if !ok {
			break
		}
		if entry.Actor == actor {
			continue
		}
		switch entry.Op {
		case OpCreate:
			changes[entry.ID] = FieldPatch{}
		case OpEdit:
			patch, ok := changes[entry.ID]
			if !ok {
				patch = FieldPatch{}
				changes[entry.ID] = patch
			}
			patch[entry.Field] = append(json.RawMessage(nil), entry.Value...)
		case OpDelete:
			delete(changes, entry.ID)
			deleted[entry.ID] = struct{}{}
		}
	}
	if err := replay.Err(); err != nil {
		return Delta{}, err
	}

	tombstones := make([]LandmarkID, 0, len(deleted))
	for id := range deleted {
		tombstones = append(tombstones, id)
	}
	sort.Slice(tombstones, func(i, j int) bool { return tombstones[i].Suffix() < tombstones[j].Suffix() })

	return Delta{Changes: changes, Deleted: tombstones}, nil
}
