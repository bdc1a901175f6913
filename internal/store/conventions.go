package store

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var collectionCaser = cases.Lower(language.Und)

// DocumentKey returns the native storage key for a document id in a
// collection: the lower-cased collection name, a slash, then the id.
//
//	DocumentKey("S1", "OrderSaga") == "ordersaga/S1"
//
// The id is always prefixed, so distinct ids never share a key even when
// one of them looks like a key already.
func DocumentKey(id, collection string) string {
	return collectionCaser.String(collection) + "/" + id
}
