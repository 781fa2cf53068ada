package memory

import "github.com/hashicorp/go-memdb"

const (
	tblUsers        = "users"
	tblRooms        = "rooms"
	tblParticipants = "participants"
	tblTranscripts  = "transcripts"
	tblMessages     = "messages"
)

const (
	idxID   = "id"
	idxRoom = "room_id"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblUsers: {
			Name: tblUsers,
			Indexes: map[string]*memdb.IndexSchema{
				idxID: {
					Name:    idxID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		tblRooms: {
			Name: tblRooms,
			Indexes: map[string]*memdb.IndexSchema{
				idxID: {
					Name:    idxID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		tblParticipants: {
			Name: tblParticipants,
			Indexes: map[string]*memdb.IndexSchema{
				idxID: {
					Name:   idxID,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "RoomID"},
							&memdb.StringFieldIndex{Field: "UserID"},
						},
					},
				},
				idxRoom: {
					Name:    idxRoom,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "RoomID"},
				},
			},
		},
		tblTranscripts: {
			Name: tblTranscripts,
			Indexes: map[string]*memdb.IndexSchema{
				idxID: {
					Name:    idxID,
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "Seq"},
				},
				idxRoom: {
					Name:    idxRoom,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "RoomID"},
				},
			},
		},
		tblMessages: {
			Name: tblMessages,
			Indexes: map[string]*memdb.IndexSchema{
				idxID: {
					Name:    idxID,
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "Seq"},
				},
				idxRoom: {
					Name:    idxRoom,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "RoomID"},
				},
			},
		},
	},
}
