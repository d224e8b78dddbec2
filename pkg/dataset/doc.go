/*
Package dataset implements append-only JSON item storage.

Items live in the blob store, one object per index; metadata (itemCount)
lives in the relational store. The push path reserves the index range under
the dataset row lock, writes blobs in parallel and only then advances
itemCount, so readers never see a partially-written range.
*/
package dataset
