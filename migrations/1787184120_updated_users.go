package migrations

import (
	"encoding/json"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/daos"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/models/schema"
)

func init() {
	m.Register(func(db dbx.Builder) error {
		dao := daos.New(db)

		collection, err := dao.FindCollectionByNameOrId("_pb_users_auth_")
		if err != nil {
			return err
		}

		// add
		new_qr_code := &schema.SchemaField{}
		json.Unmarshal([]byte(`{
			"system": false,
			"id": "f2mkvb6t",
			"name": "qr_code",
			"type": "text",
			"required": false,
			"presentable": false,
			"unique": false,
			"options": {
				"min": null,
				"max": null,
				"pattern": ""
			}
		}`), new_qr_code)
		collection.Schema.AddField(new_qr_code)

		// add
		new_is_seller := &schema.SchemaField{}
		json.Unmarshal([]byte(`{
			"system": false,
			"id": "h9xwrc3j",
			"name": "is_seller",
			"type": "bool",
			"required": false,
			"presentable": false,
			"unique": false,
			"options": {}
		}`), new_is_seller)
		collection.Schema.AddField(new_is_seller)

		return dao.SaveCollection(collection)
	}, func(db dbx.Builder) error {
		dao := daos.New(db)

		collection, err := dao.FindCollectionByNameOrId("_pb_users_auth_")
		if err != nil {
			return err
		}

		// remove
		collection.Schema.RemoveField("f2mkvb6t")

		// remove
		collection.Schema.RemoveField("h9xwrc3j")

		return dao.SaveCollection(collection)
	})
}
