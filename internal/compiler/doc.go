// Package compiler turns CUE saga variant declarations into ir.VariantSpec
// values and validates them.
//
// A declaration names the variant, its fields and, optionally, the one
// field whose value must be unique across live sagas of the variant:
//
//	variant: Order: {
//		unique: "orderId"
//		fields: {
//			orderId:  string
//			customer: string
//			total:    int
//		}
//	}
package compiler
