// Package table implements persistent ordered keyed stores with a change
// stream and an optional write-proxy pipeline.
package table

import (
	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// Item is one table entry. Batches carry items as ordered lists so
// insertion order survives the wire.
type Item struct {
	Key   string
	Value []byte
}

// Event addresses a table with no further payload.
type Event struct {
	ID protocol.Identifier
}

// Items is a table-addressed batch of entries.
type Items struct {
	ID    protocol.Identifier
	Items []Item
}

// ProxyData is one proxy round: the per-table sequence number plus the
// batch under transformation.
type ProxyData struct {
	ID    protocol.Identifier
	Key   uint64
	Items []Item
}

// ConfigData sets per-table tuning; today just the cache cap.
type ConfigData struct {
	ID        protocol.Identifier `json:"id"`
	CacheSize int                 `json:"cache_size,omitempty"`
}

// BindPermissionData restricts access to a table.
type BindPermissionData struct {
	ID         protocol.Identifier `json:"id"`
	Permission protocol.Identifier `json:"permission"`
}

// KeysData addresses a point lookup.
type KeysData struct {
	ID   protocol.Identifier
	Keys []string
}

// FetchReq is a windowed fetch: row-id window around an optional cursor
// key.
type FetchReq struct {
	ID     protocol.Identifier `json:"id"`
	Before *int                `json:"before,omitempty"`
	After  *int                `json:"after,omitempty"`
	Cursor *string             `json:"cursor,omitempty"`
}

// Exported codec handles for client-side encoding of endpoint requests
// and responses.
func ItemsCodec() codec.Codec[Items]   { return itemsCodec() }
func KeysCodec() codec.Codec[KeysData] { return keysCodec() }
func EventCodec() codec.Codec[Event]   { return eventCodec() }

func writeItems(w *protocol.ByteWriter, items []Item) {
	w.WriteU32(uint32(len(items)))
	for _, item := range items {
		w.WriteString(item.Key)
		w.WriteBytes(item.Value)
	}
}

func readItems(r *protocol.ByteReader) []Item {
	n := r.ReadU32()
	items := make([]Item, 0, n)
	for i := uint32(0); i < n; i++ {
		key := r.ReadString()
		value := append([]byte(nil), r.ReadBytes()...)
		items = append(items, Item{Key: key, Value: value})
	}
	return items
}

func eventCodec() codec.Codec[Event] {
	return codec.Of(
		func(e Event) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteString(e.ID.Key())
			return w.Bytes(), nil
		},
		func(b []byte) (Event, error) {
			r := protocol.NewByteReader(b)
			key := r.ReadString()
			if err := r.Finish(); err != nil {
				return Event{}, err
			}
			id, err := protocol.ParseIdentifier(key)
			if err != nil {
				return Event{}, err
			}
			return Event{ID: id}, nil
		},
	)
}

func itemsCodec() codec.Codec[Items] {
	return codec.Of(
		func(d Items) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteString(d.ID.Key())
			writeItems(w, d.Items)
			return w.Bytes(), nil
		},
		func(b []byte) (Items, error) {
			r := protocol.NewByteReader(b)
			key := r.ReadString()
			items := readItems(r)
			if err := r.Finish(); err != nil {
				return Items{}, err
			}
			id, err := protocol.ParseIdentifier(key)
			if err != nil {
				return Items{}, err
			}
			return Items{ID: id, Items: items}, nil
		},
	)
}

func proxyCodec() codec.Codec[ProxyData] {
	return codec.Of(
		func(d ProxyData) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteString(d.ID.Key())
			w.WriteU64(d.Key)
			writeItems(w, d.Items)
			return w.Bytes(), nil
		},
		func(b []byte) (ProxyData, error) {
			r := protocol.NewByteReader(b)
			key := r.ReadString()
			seq := r.ReadU64()
			items := readItems(r)
			if err := r.Finish(); err != nil {
				return ProxyData{}, err
			}
			id, err := protocol.ParseIdentifier(key)
			if err != nil {
				return ProxyData{}, err
			}
			return ProxyData{ID: id, Key: seq, Items: items}, nil
		},
	)
}

func keysCodec() codec.Codec[KeysData] {
	return codec.Of(
		func(d KeysData) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteString(d.ID.Key())
			w.WriteU32(uint32(len(d.Keys)))
			for _, k := range d.Keys {
				w.WriteString(k)
			}
			return w.Bytes(), nil
		},
		func(b []byte) (KeysData, error) {
			r := protocol.NewByteReader(b)
			key := r.ReadString()
			n := r.ReadU32()
			keys := make([]string, 0, n)
			for i := uint32(0); i < n; i++ {
				keys = append(keys, r.ReadString())
			}
			if err := r.Finish(); err != nil {
				return KeysData{}, err
			}
			id, err := protocol.ParseIdentifier(key)
			if err != nil {
				return KeysData{}, err
			}
			return KeysData{ID: id, Keys: keys}, nil
		},
	)
}

var (
	extID = protocol.MustIdentifier("ext", "table")

	// ListenPacket subscribes the session to change events.
	ListenPacket = packet.NewType(extID.Join("listen"), eventCodec())
	// ProxyListenPacket subscribes the session as a write proxy.
	ProxyListenPacket = packet.NewType(extID.Join("proxy_listen"), eventCodec())
	// ProxyPacket carries one proxy round in both directions.
	ProxyPacket = packet.NewType(extID.Join("proxy"), proxyCodec())
	// ConfigPacket sets the cache cap.
	ConfigPacket = packet.NewType(extID.Join("config"), codec.JSON[ConfigData]())
	// BindPermissionPacket restricts table access.
	BindPermissionPacket = packet.NewType(extID.Join("bind_permission"), codec.JSON[BindPermissionData]())
	// ItemAddPacket inserts entries and fans the committed batch out.
	ItemAddPacket = packet.NewType(extID.Join("item_add"), itemsCodec())
	// ItemUpdatePacket replaces entries in place.
	ItemUpdatePacket = packet.NewType(extID.Join("item_update"), itemsCodec())
	// ItemRemovePacket deletes entries by key.
	ItemRemovePacket = packet.NewType(extID.Join("item_remove"), itemsCodec())
	// ItemClearPacket empties the table.
	ItemClearPacket = packet.NewType(extID.Join("item_clear"), eventCodec())
	// CachePacket delivers the current cache to a fresh listener.
	CachePacket = packet.NewType(extID.Join("cache"), itemsCodec())

	// Endpoint identifiers served by the extension.
	ItemGetEndpoint  = extID.Join("item_get")
	FetchEndpoint    = extID.Join("fetch")
	FetchAllEndpoint = extID.Join("fetch_all")
	SizeEndpoint     = extID.Join("size")
)
