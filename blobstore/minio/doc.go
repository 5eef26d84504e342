// Package minio stores checkpoints on MinIO or any other S3-compatible server.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//		Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
//	})
//	store := mvccminio.NewStore(client, "checkpoints", "orders-db")
package minio
